package hub

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{`{"type":"subscribe","channel":"alerts"}`, nil},
		{`{"type":"unsubscribe","channel":"alerts"}`, nil},
		{`{"type":"ping"}`, nil},
		{`{"type":"message","channel":"alerts","data":{"x":1}}`, nil},
		{`{"type":"subscribe"}`, ErrMissingChannel},
		{`{"type":"message"}`, ErrMissingChannel},
		{`{"type":"typing","channel":"alerts"}`, ErrUnknownType},
		{`not json`, ErrMalformed},
	}
	for _, tt := range tests {
		_, err := ParseInbound([]byte(tt.in))
		if tt.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tt.in, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Fatalf("%s: got %v want %v", tt.in, err, tt.want)
		}
	}
	in, err := ParseInbound([]byte(`{"type":"typing"}`))
	if !errors.Is(err, ErrUnknownType) || in.Type != "typing" {
		t.Fatalf("unknown type should keep decoded type, got %+v %v", in, err)
	}
}

func TestEncode(t *testing.T) {
	b, err := Encode(OutMessage, "alerts", map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out Outbound
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != OutMessage || out.Channel != "alerts" || string(out.Data) != `{"n":1}` || out.Timestamp == 0 {
		t.Fatalf("unexpected frame %+v", out)
	}

	b, _ = Encode(OutMessage, "alerts", []byte("plain text"))
	_ = json.Unmarshal(b, &out)
	if string(out.Data) != `"plain text"` {
		t.Fatalf("raw text should be quoted, got %s", out.Data)
	}

	b, _ = Encode(OutPong, "", nil)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	if _, ok := m["data"]; ok {
		t.Fatalf("nil data should be omitted: %s", b)
	}
}
