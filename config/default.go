package config

// DefaultValues is the default configuration, overridable field by field
// through config files and ZCLAIM_ environment variables.
const DefaultValues = `
[Log]
Environment = "development"
Level = "info"
Outputs = ["stderr"]

[ChainStore]
DBPath = "/tmp/zclaim/chainstore.sqlite"
Confirmations = 6
AnchorHeight = 0

[Relay]
SourceURL = "http://localhost:8232"
PollInterval = "30s"
BatchSize = 16
Confirmations = 6
StartHeight = 0
RetryAfterErrorPeriod = "1s"
MaxRetryAttemptsAfterError = -1

[Issue]
DBPath = "/tmp/zclaim/issue.sqlite"
PermitWindow = 86400
FeeRateBP = 10

[Redeem]
DBPath = "/tmp/zclaim/redeem.sqlite"
Timeout = 172800
FeeRateBP = 10
PenaltyRateBP = 1000

[Vault]
DBPath = "/tmp/zclaim/vault.sqlite"

[ZkVerifier]
MintVKPath = "/tmp/zclaim/mint.vk"
BurnVKPath = "/tmp/zclaim/burn.vk"
`
