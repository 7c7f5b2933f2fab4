package storage

import "time"

// CurrentVersion is the schema version written by Save.
const CurrentVersion = 1

// UnknownTitle is the placeholder title for entries the parser could not read.
const UnknownTitle = "Unknown Title"

// RootTitle is the sentinel title of a crawl root before its listing is parsed.
const RootTitle = "Root Paper"

// NoParent marks a root record in the flat node table.
const NoParent = -1

// Paper is one bibliographic entry as extracted from a listing page.
type Paper struct {
	Title         string `json:"title"`
	Authors       string `json:"authors"`
	Year          string `json:"year"`
	CitationCount int    `json:"citation_count"`
	URL           string `json:"url"`
	CitedByURL    string `json:"cited_by_url"`
	Abstract      string `json:"abstract"`
}

// Listing is the parsed content of one cited-by page.
type Listing struct {
	// Page describes the paper the listing belongs to, when the page header names it.
	Page *Paper
	// Entries are the citing papers in page order.
	Entries []Paper
	// Degraded is set when the page, or one of its entries, could not be parsed cleanly.
	Degraded bool
}

// Outcome classifies a single fetch.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeRateLimited  Outcome = "rate_limited"
	OutcomeChallenge    Outcome = "challenge"
	OutcomeNetworkError Outcome = "network_error"
)

// Outcomes lists every outcome kind in reporting order.
var Outcomes = []Outcome{OutcomeSuccess, OutcomeRateLimited, OutcomeChallenge, OutcomeNetworkError}

// NodeStatus tracks how far a node got through expansion.
type NodeStatus string

const (
	// StatusPending nodes are eligible for expansion but not fetched yet.
	StatusPending NodeStatus = "pending"
	// StatusExpanded nodes were fetched and their citers attached.
	StatusExpanded NodeStatus = "expanded"
	// StatusLeaf nodes are not expanded: depth limit reached or no citers.
	StatusLeaf NodeStatus = "leaf"
	// StatusReference nodes point at a listing already expanded elsewhere in the run.
	StatusReference NodeStatus = "reference"
	// StatusFailed nodes carry a NodeFailure marker.
	StatusFailed NodeStatus = "failed"
)

// NodeFailure is the error marker recorded on a node whose listing could not be fetched.
type NodeFailure struct {
	Kind    Outcome `json:"kind"`
	Message string  `json:"message,omitempty"`
}

// TreeNode is one row of the flat node table. Children hold node IDs in discovery order.
type TreeNode struct {
	ID       int          `json:"id"`
	Parent   int          `json:"parent"`
	Depth    int          `json:"depth"`
	Position int          `json:"position"`
	Paper    Paper        `json:"paper"`
	Children []int        `json:"children,omitempty"`
	Status   NodeStatus   `json:"status"`
	Failure  *NodeFailure `json:"failure,omitempty"`
}

// CitationNode is the nested view of a citation tree handed to callers.
type CitationNode struct {
	Paper    Paper           `json:"paper"`
	Depth    int             `json:"depth"`
	Status   NodeStatus      `json:"status"`
	Failure  *NodeFailure    `json:"failure,omitempty"`
	Children []*CitationNode `json:"children"`
}

// BackoffState is the persisted form of the rate-limit controller.
type BackoffState struct {
	ConsecutiveThrottleCount int         `json:"consecutive_throttle_count"`
	SuccessStreak            int         `json:"success_streak"`
	LastThrottle             *time.Time  `json:"last_throttle,omitempty"`
	WindowStart              time.Time   `json:"window_start"`
	ThrottleEvents           []time.Time `json:"throttle_events,omitempty"`
	DelayMultiplier          float64     `json:"delay_multiplier"`
	ChallengeCount           int         `json:"challenge_count"`
	LastChallenge            *time.Time  `json:"last_challenge,omitempty"`
}

// Counters accumulate outcome tallies across resumes of one session.
type Counters struct {
	Outcomes      map[Outcome]int `json:"outcomes"`
	ParseDegraded int             `json:"parse_degraded"`
}

// Add increments the tally for an outcome.
func (c *Counters) Add(o Outcome) {
	if c.Outcomes == nil {
		c.Outcomes = make(map[Outcome]int)
	}
	c.Outcomes[o]++
}

// Merge adds another set of counters into c.
func (c *Counters) Merge(other Counters) {
	for o, n := range other.Outcomes {
		if c.Outcomes == nil {
			c.Outcomes = make(map[Outcome]int)
		}
		c.Outcomes[o] += n
	}
	c.ParseDegraded += other.ParseDegraded
}

// Clone returns a deep copy.
func (c Counters) Clone() Counters {
	out := Counters{ParseDegraded: c.ParseDegraded, Outcomes: make(map[Outcome]int, len(c.Outcomes))}
	for o, n := range c.Outcomes {
		out.Outcomes[o] = n
	}
	return out
}

// SessionState is the durable snapshot of one logical crawl run.
type SessionState struct {
	Version      int          `json:"version"`
	SessionID    string       `json:"session_id"`
	RootURL      string       `json:"root_url"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	RequestCount int          `json:"request_count"`
	Visited      []string     `json:"visited_urls"`
	Backoff      BackoffState `json:"backoff"`
	Counters     Counters     `json:"counters"`
	Roots        []int        `json:"roots"`
	Nodes        []TreeNode   `json:"nodes"`
	MergedFrom   []string     `json:"merged_from,omitempty"`
}

// HasTree reports whether the state carries a partial tree.
func (s *SessionState) HasTree() bool {
	return len(s.Roots) > 0 && len(s.Nodes) > 0
}

// Summary is the listing row for a stored session.
type Summary struct {
	SessionID            string    `json:"session_id"`
	RootURL              string    `json:"root_url"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
	RequestCount         int       `json:"request_count"`
	VisitedCount         int       `json:"visited_count"`
	NodeCount            int       `json:"node_count"`
	PendingCount         int       `json:"pending_count"`
	ConsecutiveThrottles int       `json:"consecutive_throttles"`
}

// CrawlReport holds terminal statistics for one Run or Resume.
type CrawlReport struct {
	SessionID         string          `json:"session_id"`
	StartTime         time.Time       `json:"start_time"`
	EndTime           time.Time       `json:"end_time"`
	Duration          time.Duration   `json:"duration_ns"`
	RootCount         int             `json:"root_count"`
	NodeCount         int             `json:"node_count"`
	LeafCount         int             `json:"leaf_count"`
	MaxDepth          int             `json:"max_depth"`
	ReferenceCount    int             `json:"reference_count"`
	FailedCount       int             `json:"failed_count"`
	PendingCount      int             `json:"pending_count"`
	RequestCount      int             `json:"request_count"`
	Outcomes          map[Outcome]int `json:"outcomes"`
	ParseDegraded     int             `json:"parse_degraded"`
	FinalBackoff      BackoffState    `json:"final_backoff"`
	TerminationReason string          `json:"termination_reason"`
}
