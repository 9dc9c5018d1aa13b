package errors

type template struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

var registry = map[string]template{
	// Configuration (R001-R009)
	"R001": {
		Category: CategoryConfig,
		Message:  "Cannot read config file",
		Detail:   "The YAML config file could not be read or parsed.",
	},
	"R002": {
		Category:   CategoryConfig,
		Message:    "Invalid configuration",
		Suggestion: "Check the config file and REMOTEUI_* environment variables.",
	},

	// UI descriptions (R010-R019)
	"R010": {
		Category:   CategoryUI,
		Message:    "Cannot read UI description",
		Suggestion: "Pass the UI file with --ui.",
	},
	"R011": {
		Category: CategoryUI,
		Message:  "Invalid UI description",
		Detail:   "Each node needs either text or a type, and children only under typed nodes.",
	},
	"R012": {
		Category: CategoryUI,
		Message:  "Unknown handler",
		Detail:   "Event props name one of the worker's built-in handlers.",
	},

	// Transport (R020-R029)
	"R020": {
		Category:   CategoryTransport,
		Message:    "Cannot connect to host",
		Suggestion: "Start the host with `remoteui host` and check --url.",
	},
	"R021": {
		Category: CategoryTransport,
		Message:  "Connection lost",
	},
	"R022": {
		Category:   CategoryTransport,
		Message:    "Cannot listen",
		Suggestion: "Pick another address with --addr or REMOTEUI_HOST_ADDR.",
	},

	// Protocol (R030-R039)
	"R030": {
		Category: CategoryProtocol,
		Message:  "Host rejected the tree",
		Detail:   "The host's receiver refused a batch. Its log names the failing record.",
	},
}
