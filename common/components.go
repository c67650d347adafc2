package common

const (
	// RELAY name to identify the header relay component
	RELAY = "relay"
	// ISSUE name to identify the issue (mint) protocol component
	ISSUE = "issue"
	// REDEEM name to identify the redeem (burn) protocol component
	REDEEM = "redeem"
)
