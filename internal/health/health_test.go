package health

import "testing"

func TestOverallEmptyIsHealthy(t *testing.T) {
	m := NewMonitor()
	if got := m.Overall(); got != Healthy {
		t.Fatalf("Overall with no checks = %v, want Healthy", got)
	}
}

func TestOverallReturnsWorst(t *testing.T) {
	m := NewMonitor()
	m.Update("store", Healthy, "")
	m.Update("content", Degraded, "one item failing")

	if got := m.Overall(); got != Degraded {
		t.Fatalf("Overall = %v, want Degraded", got)
	}

	m.Update("display", Unhealthy, "no tool answered")
	if got := m.Overall(); got != Unhealthy {
		t.Fatalf("Overall = %v, want Unhealthy", got)
	}
}

func TestRecoveryClearsStatus(t *testing.T) {
	m := NewMonitor()
	m.Update("content", Degraded, "download failing")
	m.Update("content", Healthy, "")

	if got := m.Overall(); got != Healthy {
		t.Fatalf("Overall after recovery = %v, want Healthy", got)
	}
}

func TestSummaryShape(t *testing.T) {
	m := NewMonitor()
	m.Update("store", Healthy, "")
	m.Update("content", Degraded, "slow link")

	sum := m.Summary()
	if sum["status"] != string(Degraded) {
		t.Fatalf("summary status = %v, want degraded", sum["status"])
	}
	components, ok := sum["components"].(map[string]string)
	if !ok {
		t.Fatalf("summary components has wrong type: %T", sum["components"])
	}
	if components["content"] != string(Degraded) || components["store"] != string(Healthy) {
		t.Fatalf("summary components = %v", components)
	}
}

func TestGet(t *testing.T) {
	m := NewMonitor()
	if _, ok := m.Get("missing"); ok {
		t.Fatal("Get of unknown component should report absence")
	}

	m.Update("store", Unhealthy, "db locked")
	check, ok := m.Get("store")
	if !ok {
		t.Fatal("Get after Update failed")
	}
	if check.Status != Unhealthy || check.Message != "db locked" {
		t.Fatalf("check = %+v", check)
	}
	if check.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not set")
	}
}
