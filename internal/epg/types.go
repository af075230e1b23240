package epg

// Reserve is one scheduled recording window. Times are epoch
// milliseconds, matching the EPGStation wire format.
type Reserve struct {
	ID        int64 `json:"id"`
	StartAt   int64 `json:"startAt"`
	EndAt     int64 `json:"endAt"`
	IsOverlap bool  `json:"isOverlap"`
	IsSkip    bool  `json:"isSkip"`
}

type reservesResponse struct {
	Reserves []Reserve `json:"reserves"`
}

// Channel is one broadcast channel known to the server.
type Channel struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// VideoFile is one file attached to a recorded program.
type VideoFile struct {
	Filename string `json:"filename"`
}

// RecordedProgram is the EPG metadata of one finished recording.
type RecordedProgram struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Extended    string      `json:"extended"`
	ChannelID   int64       `json:"channelId"`
	StartAt     int64       `json:"startAt"`
	EndAt       int64       `json:"endAt"`
	Genre1      *int        `json:"genre1,omitempty"`
	Genre2      *int        `json:"genre2,omitempty"`
	VideoFiles  []VideoFile `json:"videoFiles"`
}

// Genre returns the program's primary genre code, preferring genre1.
func (p RecordedProgram) Genre() (int, bool) {
	if p.Genre1 != nil {
		return *p.Genre1, true
	}
	if p.Genre2 != nil {
		return *p.Genre2, true
	}
	return 0, false
}

type recordedResponse struct {
	Records []RecordedProgram `json:"records"`
}

type rulesResponse struct {
	Rules []struct {
		SearchOption struct {
			Keyword string `json:"keyword"`
		} `json:"searchOption"`
	} `json:"rules"`
}
