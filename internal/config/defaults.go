package config

const (
	defaultRecordedDir       = "~/recorded"
	defaultDestinationDir    = "~/library"
	defaultCacheDir          = "~/.cache/tstriage"
	defaultLogDir            = "~/.local/share/tstriage/logs"
	defaultReservesTTLHours  = 8
	defaultBusyGranularity   = 30
	defaultEncoderBinary     = "ffmpeg"
	defaultFFprobeBinary     = "ffprobe"
	defaultCodec             = "libx264"
	defaultTSCutterBinary    = "tscutter"
	defaultTSMarkerBinary    = "tsmarker"
	defaultPreset            = "drama"
	defaultDurationTolerance = 0.05
	defaultDaemonInterval    = 300
	defaultQuiesceWindow     = 60
	defaultCopyRetries       = 3
	defaultCopyRetryDelay    = 5
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
)

func defaultDaemonTasks() []string {
	return []string{"categorize", "list", "analyze", "mark", "cut", "encode", "confirm", "cleanup"}
}

func defaultAudioLanguages() []string {
	return []string{"jpn"}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			RecordedDir:    defaultRecordedDir,
			DestinationDir: defaultDestinationDir,
			CacheDir:       defaultCacheDir,
			LogDir:         defaultLogDir,
		},
		EPGStation: EPGStation{
			ReservesTTLHours: defaultReservesTTLHours,
			BusyGranularity:  defaultBusyGranularity,
		},
		Encoder: Encoder{
			Binary:            defaultEncoderBinary,
			FFprobeBinary:     defaultFFprobeBinary,
			Codec:             defaultCodec,
			DefaultPreset:     defaultPreset,
			DurationTolerance: defaultDurationTolerance,
			AudioLanguages:    defaultAudioLanguages(),
		},
		Tools: Tools{
			TSCutterBinary: defaultTSCutterBinary,
			TSMarkerBinary: defaultTSMarkerBinary,
		},
		Workflow: Workflow{
			DaemonInterval: defaultDaemonInterval,
			QuiesceWindow:  defaultQuiesceWindow,
			CopyRetries:    defaultCopyRetries,
			CopyRetryDelay: defaultCopyRetryDelay,
			DaemonTasks:    defaultDaemonTasks(),
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
