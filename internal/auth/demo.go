package auth

// Demo credentials registered by the server outside production and used by
// the simulator. Each key pair acts as the escrow identity derived from the
// matching demo signing key.
const (
	DemoClientAPIKey       = "demo-client-key"
	DemoClientAPISecret    = "demo-client-secret"
	DemoPerformerAPIKey    = "demo-performer-key"
	DemoPerformerAPISecret = "demo-performer-secret"
	DemoReferrerAPIKey     = "demo-referrer-key"
	DemoReferrerAPISecret  = "demo-referrer-secret"
	DemoOpsAPIKey          = "demo-ops-key"
	DemoOpsAPISecret       = "demo-ops-secret"

	// Arbiter keys are suffixed 1..DemoArbiterCount.
	DemoArbiterAPIKeyPrefix = "demo-arbiter-key-"
	DemoArbiterAPISecret    = "demo-arbiter-secret"
	DemoArbiterCount        = 5
)
