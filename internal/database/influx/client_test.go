package influx

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/bridgepool/internal/bridge"
	"github.com/bardlex/bridgepool/internal/sigverify"
)

var pointTime = time.Unix(1772323200, 0)

func line(p *write.Point) string {
	return write.PointToLineProtocol(p, time.Second)
}

func TestPoints(t *testing.T) {
	tests := []struct {
		name  string
		point *write.Point
		want  []string
	}{
		{
			name:  "accepted share",
			point: sharePoint("bc1qminer", 2.5, 1e6, true, false, "", pointTime),
			want:  []string{"shares,", "miner_id=bc1qminer", "valid=true", "block=false", "difficulty=2.5", "count=1i"},
		},
		{
			name:  "rejected share",
			point: sharePoint("bc1qminer", 2.5, 1e6, false, false, "stale_job", pointTime),
			want:  []string{"reason=stale_job", "valid=false"},
		},
		{
			name:  "payout",
			point: payoutPoint(7, "bc1qminer", 9900, "paid", pointTime),
			want:  []string{"payouts,", "period=7", "status=paid", "amount=9900u"},
		},
		{
			name:  "period",
			point: periodPoint(7, 10000, 100, 9900, 3, 1, pointTime),
			want:  []string{"periods,period=7", "fee=100u", "paid=9900u", "carried=1i"},
		},
		{
			name: "transfer",
			point: transferPoint(bridge.Transfer{
				Message:   sigverify.Message{SourceChain: 1, DestChain: 2, Amount: 10000},
				Fee:       10,
				Status:    bridge.StatusCompleted,
				UpdatedAt: pointTime,
			}, bridge.StatusApproved),
			want: []string{"transfers,", "from=approved", "to=completed", "source_chain=1", "amount=10000u"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := line(tt.point)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("line protocol %q missing %q", got, w)
				}
			}
			if !strings.HasSuffix(strings.TrimSpace(got), "1772323200") {
				t.Errorf("unexpected timestamp in %q", got)
			}
		})
	}
}

func TestShareStatsFinish(t *testing.T) {
	s := &ShareStats{ValidShares: 3, InvalidShares: 1}
	s.finish()
	if s.TotalShares != 4 || s.ValidPercent != 75 {
		t.Errorf("unexpected stats %+v", s)
	}

	empty := &ShareStats{}
	empty.finish()
	if empty.ValidPercent != 0 {
		t.Errorf("expected zero percent, got %v", empty.ValidPercent)
	}
}
