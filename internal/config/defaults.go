package config

const (
	defaultLogDir          = "~/.local/share/std2bids/logs"
	defaultFetchBinary     = "ukbfetch"
	defaultMaxWorkers      = 1
	defaultReorgBinary     = "reorganizer"
	defaultNativeMapping   = "ukb.incoming_to_native"
	defaultBidsMapping     = "ukb.native_to_bids"
	defaultSubjectColumn   = "eid"
	defaultMandatoryColumn = "20252-2.0"
	defaultAuthorName      = "std2bids"
	defaultAuthorEmail     = "std2bids@localhost"
	defaultLogFormat       = "console"
	defaultLogLevel        = "info"
	defaultNtfyTimeout     = 10

	// MaxFetchWorkers is the simultaneous connection limit imposed by the UK Biobank.
	MaxFetchWorkers = 20
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			LogDir: defaultLogDir,
		},
		Fetch: Fetch{
			Binary:     defaultFetchBinary,
			MaxWorkers: defaultMaxWorkers,
		},
		Reorganizer: Reorganizer{
			Binary:        defaultReorgBinary,
			NativeMapping: defaultNativeMapping,
			BidsMapping:   defaultBidsMapping,
		},
		Worklist: Worklist{
			SubjectColumn:   defaultSubjectColumn,
			MandatoryColumn: defaultMandatoryColumn,
		},
		History: History{
			AuthorName:  defaultAuthorName,
			AuthorEmail: defaultAuthorEmail,
		},
		Workflow: Workflow{
			DoParticipants: true,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNtfyTimeout,
			SubjectFailures:       true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
