package attribution

import (
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/cryptogarden/attribution/pkg/errors"
)

// Step identifies how far a referral attribution workflow has advanced.
// Steps only move forward; nothing in this package ever regresses one.
type Step string

const (
	StepInitiated            Step = "initiated"
	StepClickTracked         Step = "click_tracked"
	StepWalletConnected      Step = "wallet_connected"
	StepConversionRegistered Step = "conversion_registered"
	StepCompleted            Step = "completed"
)

var stepRank = map[Step]int{
	StepInitiated:            0,
	StepClickTracked:         1,
	StepWalletConnected:      2,
	StepConversionRegistered: 3,
	StepCompleted:            4,
}

// Rank returns the position of the step in the workflow order.
func (s Step) Rank() int {
	return stepRank[s]
}

// Terminal reports whether the workflow is finished.
func (s Step) Terminal() bool {
	return s == StepCompleted
}

// Operation names a remote call for retry accounting.
type Operation string

const (
	OpNone               Operation = ""
	OpTrackClick         Operation = "track_click"
	OpCheckStatus        Operation = "check_status"
	OpRegisterConversion Operation = "register_conversion"
)

// UTM carries first-touch marketing attributes. They are captured once at
// initialization and never modified afterwards.
type UTM struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
}

// LastError records the most recent remote-call failure.
type LastError struct {
	Operation Operation `json:"operation"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// ConversionOutcome is the result of a successful conversion registration.
type ConversionOutcome struct {
	Registered       bool
	Referrer         string
	Level            int
	BonusDistributed bool
	BonusTotalAmount float64
}

// ReferralProgress is the single durable record of an in-flight attribution.
// One record exists per visitor context, not per referral code. All mutation
// happens through the With* transition functions, which return a new value.
type ReferralProgress struct {
	ID           string `json:"id"`
	ReferralCode string `json:"referralCode"`
	Step         Step   `json:"step"`

	UTMSource   string `json:"utmSource,omitempty"`
	UTMMedium   string `json:"utmMedium,omitempty"`
	UTMCampaign string `json:"utmCampaign,omitempty"`
	LandingPage string `json:"landingPage,omitempty"`

	WalletAddress string `json:"walletAddress,omitempty"`
	IPHash        string `json:"ipHash,omitempty"`

	Registered       bool    `json:"registered"`
	Referrer         string  `json:"referrer,omitempty"`
	Level            int     `json:"level,omitempty"`
	BonusDistributed bool    `json:"bonusDistributed"`
	BonusTotalAmount float64 `json:"bonusTotalAmount,omitempty"`

	LastError     *LastError        `json:"lastError,omitempty"`
	AttemptCounts map[Operation]int `json:"attemptCounts,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewProgress builds a fresh record at step initiated.
func NewProgress(code string, utm UTM, landingPage string) ReferralProgress {
	now := time.Now().UTC()
	return ReferralProgress{
		ID:           uuid.New().String(),
		ReferralCode: code,
		Step:         StepInitiated,
		UTMSource:    utm.Source,
		UTMMedium:    utm.Medium,
		UTMCampaign:  utm.Campaign,
		LandingPage:  landingPage,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// WithClickTracked sets the ipHash returned by the click-tracking call and
// advances to click_tracked. No-op if the workflow is already at or beyond
// click_tracked.
func (p ReferralProgress) WithClickTracked(ipHash string) ReferralProgress {
	if p.Step.Rank() >= StepClickTracked.Rank() {
		return p
	}
	p.IPHash = ipHash
	p.Step = StepClickTracked
	p.UpdatedAt = time.Now().UTC()
	return p
}

// WithWalletConnected binds the identifying wallet to the record. The
// address is final once set: a different address is rejected with
// ErrWalletConflict and the record is returned unchanged. The step advances
// to wallet_connected only from click_tracked; later steps are untouched.
func (p ReferralProgress) WithWalletConnected(address string) (ReferralProgress, error) {
	if p.WalletAddress != "" && p.WalletAddress != address {
		return p, pkgerrors.ErrWalletConflict
	}
	changed := false
	if p.WalletAddress == "" {
		p.WalletAddress = address
		changed = true
	}
	if p.Step == StepClickTracked {
		p.Step = StepWalletConnected
		changed = true
	}
	if changed {
		p.UpdatedAt = time.Now().UTC()
	}
	return p, nil
}

// WithConversion records the outcome of a conversion registration and
// advances to conversion_registered, or straight to completed when the
// bonus has already been distributed.
func (p ReferralProgress) WithConversion(outcome ConversionOutcome) ReferralProgress {
	p.Registered = outcome.Registered
	p.Referrer = outcome.Referrer
	p.Level = outcome.Level
	p.BonusDistributed = outcome.BonusDistributed
	p.BonusTotalAmount = outcome.BonusTotalAmount
	if p.Step.Rank() < StepConversionRegistered.Rank() {
		p.Step = StepConversionRegistered
	}
	if outcome.BonusDistributed {
		p.Step = StepCompleted
	}
	p.UpdatedAt = time.Now().UTC()
	return p
}

// Completed forces the terminal state. Used when bonus distribution is
// confirmed by a later signal.
func (p ReferralProgress) Completed() ReferralProgress {
	p.Step = StepCompleted
	p.UpdatedAt = time.Now().UTC()
	return p
}

// WithError records a remote-call failure and bumps the per-operation
// attempt counter. The step never changes here.
func (p ReferralProgress) WithError(op Operation, message string) ReferralProgress {
	now := time.Now().UTC()
	counts := make(map[Operation]int, len(p.AttemptCounts)+1)
	for k, v := range p.AttemptCounts {
		counts[k] = v
	}
	counts[op]++
	p.AttemptCounts = counts
	p.LastError = &LastError{Operation: op, Message: message, At: now}
	p.UpdatedAt = now
	return p
}

// NextOperation derives which remote call should run next.
//
// A record at conversion_registered with an undistributed bonus maps back to
// register_conversion: the call is idempotent for the same (wallet, code)
// pair and returns the current bonus state, so re-issuing it is how a later
// bonus confirmation is picked up.
func (p ReferralProgress) NextOperation() Operation {
	switch p.Step {
	case StepInitiated:
		return OpTrackClick
	case StepWalletConnected:
		return OpRegisterConversion
	case StepConversionRegistered:
		if !p.BonusDistributed {
			return OpRegisterConversion
		}
		return OpNone
	default:
		return OpNone
	}
}

// Terminal reports whether the record has reached its final step.
func (p ReferralProgress) Terminal() bool {
	return p.Step.Terminal()
}

// Attempts returns the retry counter for an operation.
func (p ReferralProgress) Attempts(op Operation) int {
	return p.AttemptCounts[op]
}
