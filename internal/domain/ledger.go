package domain

import "time"

// LedgerTransaction is an append-only credit movement for a merchant.
type LedgerTransaction struct {
	ID             string
	MerchantID     string
	Delta          int64
	Reason         string
	IdempotencyKey string
	Reference      *string
	CreatedAt      time.Time
}

// CreditPlan is a purchasable bundle of credits.
type CreditPlan struct {
	ID      string
	Credits int64
	Price   int64
}

// CreditPlans lists the bundles merchants can buy, keyed by plan id.
var CreditPlans = map[string]CreditPlan{
	"100":  {ID: "100", Credits: 100, Price: 10},
	"500":  {ID: "500", Credits: 500, Price: 45},
	"1000": {ID: "1000", Credits: 1000, Price: 75},
	"5000": {ID: "5000", Credits: 5000, Price: 300},
}

// PlanForCredits finds the plan whose bundle holds exactly credits.
func PlanForCredits(credits int64) (CreditPlan, bool) {
	for _, plan := range CreditPlans {
		if plan.Credits == credits {
			return plan, true
		}
	}
	return CreditPlan{}, false
}

// Reservation is a job-creation debit recorded by the ledger.
type Reservation struct {
	MerchantID string
	JobID      string
	Amount     int64
	CreatedAt  time.Time
}
