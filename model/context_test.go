package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	if err := (&RequestContext{Operator: "admin"}).Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
	if err := (&RequestContext{}).Validate(); err == nil {
		t.Error("Validate() error = nil, want error for missing operator")
	}
}

func TestRequestContext_Claim(t *testing.T) {
	rc := &RequestContext{Claims: map[string]any{"sub": "admin"}}
	if got := rc.Claim("sub"); got != "admin" {
		t.Errorf("Claim(sub) = %v, want admin", got)
	}
	if got := (&RequestContext{}).Claim("sub"); got != nil {
		t.Errorf("Claim on nil claims = %v, want nil", got)
	}
}

func TestRequestContext_roundTrip(t *testing.T) {
	rc := &RequestContext{Operator: "admin", CorrelationID: "c-1"}
	ctx := WithRequestContext(context.Background(), rc)
	if got := RequestContextFrom(ctx); got != rc {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rc)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty) = %v, want nil", got)
	}
}
