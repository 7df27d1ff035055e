// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"strings"
	"testing"
)

func TestStatsSnapshot(t *testing.T) {
	s := NewStats()

	s.DataEvents.Add(10)
	s.EventsLost.Add(2)
	s.ReassemblyGaps.Add(1)
	s.RowsAppended.Add(5)
	SetActiveTrackers(3)

	snap := s.Snapshot()
	if snap.DataEvents != 10 {
		t.Errorf("DataEvents = %d, want 10", snap.DataEvents)
	}
	if snap.EventsLost != 2 {
		t.Errorf("EventsLost = %d, want 2", snap.EventsLost)
	}
	if snap.ReassemblyGaps != 1 {
		t.Errorf("ReassemblyGaps = %d, want 1", snap.ReassemblyGaps)
	}
	if snap.ActiveTrackers != 3 {
		t.Errorf("ActiveTrackers = %d, want 3", snap.ActiveTrackers)
	}
	if snap.UptimeSeconds < 0 {
		t.Error("negative uptime")
	}
}

func TestPrometheusMetricsFormat(t *testing.T) {
	s := NewStats()
	s.RowsAppended.Add(7)

	out := s.PrometheusMetrics()
	if !strings.Contains(out, "socktracer_rows_appended_total 7\n") {
		t.Errorf("missing counter in output:\n%s", out)
	}
	if !strings.Contains(out, "# HELP socktracer_rows_appended_total ") {
		t.Error("missing HELP annotation")
	}
	if !strings.Contains(out, "# TYPE socktracer_rows_appended_total counter") {
		t.Error("missing TYPE annotation")
	}
	if !strings.Contains(out, "# TYPE socktracer_active_trackers gauge") {
		t.Error("active_trackers should be a gauge")
	}

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if !strings.HasPrefix(line, "socktracer_") && !strings.HasPrefix(line, "# HELP socktracer_") &&
			!strings.HasPrefix(line, "# TYPE socktracer_") {
			t.Errorf("unexpected metric line: %q", line)
		}
	}
}

func TestIntToStr(t *testing.T) {
	cases := map[int64]string{0: "0", 7: "7", 1500: "1500", -42: "-42"}
	for n, want := range cases {
		if got := intToStr(n); got != want {
			t.Errorf("intToStr(%d) = %q, want %q", n, got, want)
		}
	}
}
