package snmp

import (
	"context"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
)

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{Retries: -3})
	if c.cfg.Community != "public" || c.cfg.Version != "2c" || c.cfg.Port != 161 {
		t.Fatalf("unexpected defaults: %+v", c.cfg)
	}
	if c.cfg.Timeout != 900*time.Millisecond || c.cfg.Retries != 0 {
		t.Fatalf("unexpected timeout/retries: %+v", c.cfg)
	}
}

func TestGetSystem_UnsupportedVersion(t *testing.T) {
	c := NewClient(Config{Version: "3"})
	if _, err := c.GetSystem(context.Background(), Target{Address: "192.0.2.1"}); err == nil {
		t.Fatalf("expected unsupported version error")
	}

	var nilClient *Client
	if _, err := nilClient.GetSystem(context.Background(), Target{Address: "192.0.2.1"}); err == nil {
		t.Fatalf("expected error from nil client")
	}
}

func TestPDUString(t *testing.T) {
	s, ok := pduString(gosnmp.SnmpPDU{Value: []byte(" HP LaserJet M404 \n")})
	if !ok || s == nil || *s != "HP LaserJet M404" {
		t.Fatalf("unexpected byte value: %v %v", s, ok)
	}
	s, ok = pduString(gosnmp.SnmpPDU{Value: "   "})
	if !ok || s != nil {
		t.Fatalf("blank string should be nil, got %v", s)
	}
	if _, ok := pduString(gosnmp.SnmpPDU{Value: 42}); ok {
		t.Fatalf("integers are not strings")
	}
}
