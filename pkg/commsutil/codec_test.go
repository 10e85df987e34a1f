package commsutil

import (
	"testing"
)

type announcement struct {
	Action string `json:"action"`
	ID     string `json:"id"`
}

func TestEncodePayload(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		want    string
		wantErr bool
	}{
		{name: "struct", input: announcement{Action: "added", ID: "w1"}, want: `{"action":"added","id":"w1"}`},
		{name: "nil", input: nil, want: "null"},
		{name: "channel is not serializable", input: make(chan int), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodePayload(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("commsutil:codec_test - expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("commsutil:codec_test - unexpected error: %v", err)
			}
			if got := string(data); got != tt.want {
				t.Errorf("commsutil:codec_test - EncodePayload() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantID  string
		wantErr bool
	}{
		{name: "object", data: `{"action":"added","id":"w1"}`, wantID: "w1"},
		{name: "unknown fields are ignored", data: `{"id":"w2","extra":1}`, wantID: "w2"},
		{name: "invalid json", data: `{invalid}`, wantErr: true},
		{name: "empty data", data: "", wantErr: true},
		{name: "trailing value", data: `{"id":"w1"} {"id":"w2"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got announcement
			err := DecodePayload([]byte(tt.data), &got)
			if tt.wantErr {
				if err == nil {
					t.Fatal("commsutil:codec_test - expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("commsutil:codec_test - unexpected error: %v", err)
			}
			if got.ID != tt.wantID {
				t.Errorf("commsutil:codec_test - ID = %q, want %q", got.ID, tt.wantID)
			}
		})
	}
}
