package job

import (
	"context"
	"fmt"
)

// Admission reasons returned with a denial.
const (
	ReasonUserQuota   = "user_quota_exceeded"
	ReasonGlobalQuota = "global_quota_exceeded"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  string
}

// AdmissionPolicy is the backpressure gate on new task creation. It is advisory:
// counts are read from a possibly-stale snapshot, and a small race admitting one
// extra job under load is acceptable.
type AdmissionPolicy struct {
	UserQuota   int // max standalone DOWNLOADING tasks per user
	GlobalQuota int // max DOWNLOADING tasks system-wide
}

// Decide applies the policy to pre-read counts. standalone is the number of
// DOWNLOADING tasks whose subscriber set is exactly the candidate user; total is
// the system-wide DOWNLOADING count.
func (p AdmissionPolicy) Decide(standalone, total int) Decision {
	if standalone > p.UserQuota {
		return Decision{Reason: ReasonUserQuota}
	}
	if total > p.GlobalQuota {
		return Decision{Reason: ReasonGlobalQuota}
	}
	return Decision{Allowed: true}
}

// AdmissionCounts is the read surface the policy needs; *Store satisfies it.
type AdmissionCounts interface {
	CountStandaloneDownloading(ctx context.Context, user string) (int, error)
	CountDownloading(ctx context.Context) (int, error)
}

// Admit evaluates the policy against current store counts for a candidate user.
func Admit(ctx context.Context, st AdmissionCounts, p AdmissionPolicy, user string) (Decision, error) {
	standalone, err := st.CountStandaloneDownloading(ctx, user)
	if err != nil {
		return Decision{}, fmt.Errorf("count standalone downloads: %w", err)
	}
	total, err := st.CountDownloading(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("count downloads: %w", err)
	}
	return p.Decide(standalone, total), nil
}
