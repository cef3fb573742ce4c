package secret

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReveal(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "empty", in: "", want: ""},
		{name: "proxy", in: Obscure("user:pass@10.0.0.1:8080"), want: "user:pass@10.0.0.1:8080"},
		{name: "garbage", in: "%%%", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Reveal(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Reveal mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestObscureHidesPlaintext(t *testing.T) {
	got := Obscure("http://rotate.example/change")
	if got == "http://rotate.example/change" {
		t.Error("expected value to be encoded")
	}
}
