package v1

import (
	"encoding/json"
	"testing"
)

func TestDecodeInbound(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      string
		want    InboundFrame
		wantErr bool
	}{
		{name: "chunk", in: `{"message":"Hel","done":false}`, want: InboundFrame{Message: "Hel"}},
		{name: "final", in: `{"message":"Hello","done":true}`, want: InboundFrame{Message: "Hello", Done: true}},
		{name: "broadcast without done", in: `{"message":"hi"}`, want: InboundFrame{Message: "hi"}},
		{name: "not json", in: `hello`, wantErr: true},
		{name: "array", in: `[1,2]`, wantErr: true},
		{name: "missing message", in: `{"done":true}`, wantErr: true},
		{name: "wrong type", in: `{"message":5}`, wantErr: true},
	}
	for _, tc := range cases {
		got, err := DecodeInbound([]byte(tc.in))
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
		if !tc.wantErr && got != tc.want {
			t.Fatalf("%s: got=%+v want=%+v", tc.name, got, tc.want)
		}
	}
}

func TestOutboundFrame_WireNames(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(OutboundFrame{Message: "m", AIModel: "llama3", AIModelParameters: "8b"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	const want = `{"message":"m","ai_model":"llama3","ai_model_parameters":"8b"}`
	if string(b) != want {
		t.Fatalf("Marshal()=%s want=%s", b, want)
	}
}

func TestOutboundFrame_Validate(t *testing.T) {
	t.Parallel()

	if err := (OutboundFrame{Message: "m"}).Validate(); err == nil {
		t.Fatalf("missing ai_model accepted")
	}
	if err := (OutboundFrame{AIModel: "x"}).Validate(); err == nil {
		t.Fatalf("empty frame accepted")
	}
	if err := (OutboundFrame{AIModel: "x", Image: "data:image/png;base64,AA"}).Validate(); err != nil {
		t.Fatalf("image-only frame rejected: %v", err)
	}
}
