// Package settlement computes the fee split applied when escrowed funds
// leave custody. It is pure arithmetic: no transfers happen here.
package settlement

// Fee shares in basis points of the order amount.
const (
	PerformerShareBps = 9000
	PlatformShareBps  = 500
	ReferrerShareBps  = 500

	bpsDenominator = 10000
)

// Split is the three-way division of a custody amount.
type Split struct {
	PerformerPart int64 `json:"performer_part"`
	PlatformPart  int64 `json:"platform_part"`
	ReferrerPart  int64 `json:"referrer_part"`
}

// ComputeSplit divides amount between performer, platform and referrer.
// The parts always sum to amount exactly: any remainder from integer
// division is assigned to the platform share. Without a referrer the
// referrer share folds into the platform share.
func ComputeSplit(amount int64, hasReferrer bool) Split {
	performer := amount * PerformerShareBps / bpsDenominator

	var referrer int64
	if hasReferrer {
		referrer = amount * ReferrerShareBps / bpsDenominator
	}

	// Platform absorbs the rounding remainder so no value is lost or fabricated.
	platform := amount - performer - referrer

	return Split{
		PerformerPart: performer,
		PlatformPart:  platform,
		ReferrerPart:  referrer,
	}
}
