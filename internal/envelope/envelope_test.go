package envelope

import (
	"fmt"
	"testing"
)

func TestErrorKindString(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want string
	}{
		{ErrKindNone, "none"},
		{ErrKindEngine, "engine"},
		{ErrKindPolicy, "policy"},
		{ErrKindCancelled, "cancelled"},
		{ErrKindInterrupted, "interrupted"},
		{ErrKindTimeout, "timeout"},
		{ErrKindCoordination, "coordination"},
		{ErrorKind(99), "errkind(99)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", uint8(tt.kind), got, tt.want)
		}
		// The kinds appear in %s log and failure messages throughout.
		if got := fmt.Sprintf("%s", tt.kind); got != tt.want {
			t.Errorf("Sprintf(%%s, ErrorKind(%d)) = %q, want %q", uint8(tt.kind), got, tt.want)
		}
	}
}

func TestOpTypeString(t *testing.T) {
	if got := OpExec.String(); got != "exec" {
		t.Errorf("OpExec.String() = %q, want exec", got)
	}
	if got := OpType(200).String(); got != "op(200)" {
		t.Errorf("OpType(200).String() = %q, want op(200)", got)
	}
}

func TestResponseFailed(t *testing.T) {
	ok := Response{ID: 1, Result: []byte(`{}`)}
	if ok.Failed() {
		t.Error("response without error reported failed")
	}
	bad := Response{ID: 2, Err: "boom", ErrKind: ErrKindEngine}
	if !bad.Failed() {
		t.Error("response with error not reported failed")
	}
}

func TestNewMarshalsPayload(t *testing.T) {
	env, err := New(7, OpExec, ExecPayload{SQL: "SELECT 1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if env.ID != 7 || env.Type != OpExec || len(env.Payload) == 0 {
		t.Fatalf("envelope = %+v", env)
	}
	nop, err := New(8, OpHealth, nil)
	if err != nil {
		t.Fatalf("New with nil payload: %v", err)
	}
	if nop.Payload != nil {
		t.Fatalf("nil payload marshalled to %q", nop.Payload)
	}
}
