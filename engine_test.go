package utcp

import "testing"

func TestNewRequiresSendCallback(t *testing.T) {
	if _, err := New(EngineCallbacks{}); err == nil {
		t.Fatalf("New with no Send callback: got nil error")
	}
}

func TestSetMTUReclampsConnections(t *testing.T) {
	c, a, b, _ := newPair(t)
	b.cb.Accept = func(conn *Conn, localPort uint16) {}

	conn, err := a.Connect(1000, 2000, ConnCallbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.drain()

	a.SetMTU(500)

	if conn.mss != a.mss {
		t.Fatalf("conn.mss = %d, want %d", conn.mss, a.mss)
	}
	if int(a.mss) != 500-20 {
		t.Fatalf("engine mss = %d, want %d", a.mss, 500-20)
	}
}

func TestNextEphemeralPortAvoidsCollision(t *testing.T) {
	_, a, b, _ := newPair(t)
	b.cb.Accept = func(conn *Conn, localPort uint16) {}

	first, err := a.Connect(0, 2000, ConnCallbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	second, err := a.Connect(0, 2000, ConnCallbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if first.LocalPort() == second.LocalPort() {
		t.Fatalf("ephemeral ports collided: %d", first.LocalPort())
	}
}

func TestConnectCollisionReturnsAddrInUse(t *testing.T) {
	_, a, b, _ := newPair(t)
	b.cb.Accept = func(conn *Conn, localPort uint16) {}

	if _, err := a.Connect(1000, 2000, ConnCallbacks{}); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if _, err := a.Connect(1000, 2000, ConnCallbacks{}); err == nil {
		t.Fatalf("second Connect with same ports: got nil error, want ErrAddrInUse")
	}
}

func TestSetOfflineArmsExpectDataThenClearsOnRecovery(t *testing.T) {
	c, a, b, _ := newPair(t)
	b.cb.Accept = func(conn *Conn, localPort uint16) {}

	conn, err := a.Connect(1000, 2000, ConnCallbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.drain()

	if !conn.connTimeout.IsZero() {
		t.Fatalf("connTimeout armed with nothing in flight before SetOffline")
	}

	a.SetOffline(true)
	if conn.connTimeout.IsZero() {
		t.Fatalf("SetOffline(true) did not arm connTimeout")
	}

	a.SetOffline(false)
	if !conn.connTimeout.IsZero() {
		t.Fatalf("SetOffline(false) left connTimeout armed with nothing in flight")
	}
}
