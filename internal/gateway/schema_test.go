package gateway

import "testing"

func TestValidateFrame(t *testing.T) {
	cases := []struct {
		name      string
		raw       string
		frameType string
		wantErr   bool
	}{
		{"hello complete", `{"type":"hello","nodeId":"n1","token":"t"}`, FrameHello, false},
		{"hello missing token", `{"type":"hello","nodeId":"n1"}`, FrameHello, true},
		{"hello empty nodeId", `{"type":"hello","nodeId":"","token":"t"}`, FrameHello, true},
		{"request complete", `{"type":"request","id":"r1","method":"health"}`, FrameRequest, false},
		{"request missing id", `{"type":"request","method":"health"}`, FrameRequest, true},
		{"pair-request complete", `{"type":"pair-request","nodeId":"n1"}`, FramePairRequest, false},
		{"pair-request missing nodeId", `{"type":"pair-request"}`, FramePairRequest, true},
		{"unschema'd type passes", `{"type":"ping"}`, FramePing, false},
	}
	for _, tc := range cases {
		err := validateFrame([]byte(tc.raw), tc.frameType)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err=%v, wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}
