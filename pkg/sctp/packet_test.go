package sctp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"
)

func TestPacketRoundTrip(t *testing.T) {
	in := &packet{
		srcPort:         5000,
		dstPort:         5000,
		verificationTag: 0xdeadbeef,
		chunks: []chunk{
			&sackChunk{cumulativeTSNAck: 102, aRwnd: 65536, gaps: []gapBlock{{start: 2, end: 7}}, dups: []uint32{101}},
			&dataChunk{beginning: true, ending: true, tsn: 103, streamID: 1, ssn: 4, ppi: PayloadTypeWebRTCString, userData: []byte("abc")},
		},
	}
	raw := in.marshal()
	if len(raw)%4 != 0 {
		t.Errorf("marshal() length = %d, want multiple of 4", len(raw))
	}

	var out packet
	if err := out.unmarshal(raw); err != nil {
		t.Fatalf("unmarshal() error = %v", err)
	}
	if out.verificationTag != in.verificationTag || out.srcPort != 5000 || out.dstPort != 5000 {
		t.Errorf("header = %+v, want tag %08x ports 5000", out, in.verificationTag)
	}
	if len(out.chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(out.chunks))
	}
	sack, ok := out.chunks[0].(*sackChunk)
	if !ok {
		t.Fatalf("chunk[0] = %T, want *sackChunk", out.chunks[0])
	}
	if sack.cumulativeTSNAck != 102 || len(sack.gaps) != 1 || sack.gaps[0] != (gapBlock{2, 7}) || len(sack.dups) != 1 {
		t.Errorf("sack = %+v", sack)
	}
	data, ok := out.chunks[1].(*dataChunk)
	if !ok {
		t.Fatalf("chunk[1] = %T, want *dataChunk", out.chunks[1])
	}
	if data.tsn != 103 || data.streamID != 1 || data.ssn != 4 || data.ppi != PayloadTypeWebRTCString ||
		!data.beginning || !data.ending || data.unordered || !bytes.Equal(data.userData, []byte("abc")) {
		t.Errorf("data = %+v", data)
	}
}

func TestPacketChecksum(t *testing.T) {
	p := &packet{srcPort: 5000, dstPort: 5000, verificationTag: 1, chunks: []chunk{&cookieAckChunk{}}}
	raw := p.marshal()

	// The CRC32c is stored little endian over the packet with a zero
	// checksum field.
	check := append([]byte(nil), raw...)
	copy(check[8:12], []byte{0, 0, 0, 0})
	want := crc32.Checksum(check, crc32.MakeTable(crc32.Castagnoli))
	if got := binary.LittleEndian.Uint32(raw[8:]); got != want {
		t.Errorf("checksum = %08x, want %08x", got, want)
	}

	raw[len(raw)-1] ^= 0xff
	var out packet
	if err := out.unmarshal(raw); !errors.Is(err, errChecksumMismatch) {
		t.Errorf("unmarshal(corrupted) error = %v, want %v", err, errChecksumMismatch)
	}
}

func TestPacketRejects(t *testing.T) {
	init := &initChunk{initiateTag: 1, aRwnd: 1, numOutStreams: 1, numInStreams: 1, initialTSN: 1}
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"short", []byte{0, 1, 2}, errPacketTooShort},
		{"no chunks", (&packet{}).marshal(), errChunkTooShort},
		{"bundled init", (&packet{chunks: []chunk{init, &cookieAckChunk{}}}).marshal(), errInitChunkBundled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p packet
			if err := p.unmarshal(tt.raw); !errors.Is(err, tt.want) {
				t.Errorf("unmarshal() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestChunkLengthExceedsPacket(t *testing.T) {
	raw := (&packet{chunks: []chunk{&shutdownChunk{cumulativeTSNAck: 7}}}).marshal()
	binary.BigEndian.PutUint16(raw[commonHeaderSize+2:], 64)
	binary.LittleEndian.PutUint32(raw[8:], 0)
	binary.LittleEndian.PutUint32(raw[8:], crc32.Checksum(raw, castagnoli))

	var p packet
	if err := p.unmarshal(raw); !errors.Is(err, errChunkLength) {
		t.Errorf("unmarshal() error = %v, want %v", err, errChunkLength)
	}
}

func TestUnknownChunkKept(t *testing.T) {
	unk := &unknownChunk{t: 0xc5, flags: 3, value: []byte{1, 2, 3}}
	raw := (&packet{chunks: []chunk{unk}}).marshal()
	var p packet
	if err := p.unmarshal(raw); err != nil {
		t.Fatalf("unmarshal() error = %v", err)
	}
	got, ok := p.chunks[0].(*unknownChunk)
	if !ok {
		t.Fatalf("chunk = %T, want *unknownChunk", p.chunks[0])
	}
	if got.t != 0xc5 || got.flags != 3 || !bytes.Equal(got.value, unk.value) {
		t.Errorf("unknown chunk = %+v, want %+v", got, unk)
	}
	if byte(got.t)&unknownActionMask != unknownSkipReport {
		t.Errorf("action = %#x, want skip and report", byte(got.t)&unknownActionMask)
	}
}

func TestInitSupports(t *testing.T) {
	c := &initChunk{
		initiateTag: 9, aRwnd: 1500, numOutStreams: 10, numInStreams: 10, initialTSN: 1,
		params: []param{{typ: paramForwardTSNSupported}, supportedExtensionsParam(ctReconfig)},
	}
	raw := (&packet{chunks: []chunk{c}}).marshal()
	var p packet
	if err := p.unmarshal(raw); err != nil {
		t.Fatalf("unmarshal() error = %v", err)
	}
	got := p.chunks[0].(*initChunk)
	if err := got.check(); err != nil {
		t.Errorf("check() error = %v", err)
	}
	if !got.supports(ctForwardTSN) || !got.supports(ctReconfig) {
		t.Errorf("supports() = false, want forward TSN and reconfig")
	}

	got.numInStreams = 0
	if err := got.check(); !errors.Is(err, errInitStreamsZero) {
		t.Errorf("check() error = %v, want %v", err, errInitStreamsZero)
	}
}

func TestForwardTSNAndReconfigCodec(t *testing.T) {
	req := &outgoingResetRequest{requestSeq: 10, responseSeq: 9, lastTSN: 1000, streams: []uint16{1, 3}}
	resp := &reconfigResponse{responseSeq: 4, result: reconfigInProgress}
	raw := (&packet{chunks: []chunk{
		&forwardTSNChunk{newCumulativeTSN: 55, streams: []forwardTSNStream{{streamID: 2, ssn: 8}}},
		&reconfigChunk{params: []param{req.param(), resp.param()}},
	}}).marshal()

	var p packet
	if err := p.unmarshal(raw); err != nil {
		t.Fatalf("unmarshal() error = %v", err)
	}
	fwd := p.chunks[0].(*forwardTSNChunk)
	if fwd.newCumulativeTSN != 55 || len(fwd.streams) != 1 || fwd.streams[0] != (forwardTSNStream{2, 8}) {
		t.Errorf("forward TSN = %+v", fwd)
	}
	rc := p.chunks[1].(*reconfigChunk)
	if len(rc.params) != 2 {
		t.Fatalf("reconfig params = %d, want 2", len(rc.params))
	}
	var gotReq outgoingResetRequest
	if err := gotReq.unmarshal(rc.params[0].value); err != nil {
		t.Fatalf("request unmarshal() error = %v", err)
	}
	if gotReq.requestSeq != 10 || gotReq.lastTSN != 1000 || len(gotReq.streams) != 2 || gotReq.streams[1] != 3 {
		t.Errorf("request = %+v", gotReq)
	}
	var gotResp reconfigResponse
	if err := gotResp.unmarshal(rc.params[1].value); err != nil {
		t.Fatalf("response unmarshal() error = %v", err)
	}
	if gotResp != *resp {
		t.Errorf("response = %+v, want %+v", gotResp, *resp)
	}
}

func TestErrorCauses(t *testing.T) {
	causes := []*ErrorCause{
		{Code: CauseUserInitiatedAbort, Info: []byte("bye")},
		{Code: CauseStaleCookie, Info: []byte{0, 0, 0, 5}},
	}
	raw := (&packet{chunks: []chunk{&abortChunk{tBit: true, causes: causes}}}).marshal()
	var p packet
	if err := p.unmarshal(raw); err != nil {
		t.Fatalf("unmarshal() error = %v", err)
	}
	abort := p.chunks[0].(*abortChunk)
	if !abort.tBit || len(abort.causes) != 2 {
		t.Fatalf("abort = %+v", abort)
	}
	if got := abort.causes[0].Error(); got != "sctp: user initiated abort: bye" {
		t.Errorf("Error() = %q", got)
	}
	if abort.causes[1].Code != CauseStaleCookie || !bytes.Equal(abort.causes[1].Info, []byte{0, 0, 0, 5}) {
		t.Errorf("cause[1] = %+v", abort.causes[1])
	}
}
