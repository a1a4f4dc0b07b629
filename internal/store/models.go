package store

import "time"

type SuggestionStatus string

const (
	SuggestionUnreviewed SuggestionStatus = "unreviewed"
	SuggestionDocketed   SuggestionStatus = "docketed"
	SuggestionRejected   SuggestionStatus = "rejected"
	SuggestionInProgress SuggestionStatus = "in-progress"
)

type FormalStatus string

const (
	FormalUnhandled FormalStatus = "unhandled"
	FormalHandling  FormalStatus = "handling"
	FormalDone      FormalStatus = "done"
)

type Origin string

const (
	OriginManual Origin = "manual"
	OriginMerged Origin = "merged"
)

type EndorsementState string

const (
	EndorsementPending  EndorsementState = "pending"
	EndorsementAccepted EndorsementState = "accepted"
	EndorsementRejected EndorsementState = "rejected"
)

// Terminal reports whether the invitee has already answered.
func (s EndorsementState) Terminal() bool {
	return s == EndorsementAccepted || s == EndorsementRejected
}

type Member struct {
	Ref         string
	DisplayName string
	Email       string
	Role        string
}

// Suggestion is a raw proposal as filed by a representative.
type Suggestion struct {
	ID              int64
	Title           string
	Brief           string
	Analysis        string
	Recommendation  string
	AuthorRef       *string
	AuthorName      string
	CoSignerSummary string
	Status          SuggestionStatus
	// ConsumedByFormalID is set once the suggestion has been merged or converted.
	ConsumedByFormalID *int64
	// MergeSourceIDs is the sorted merge set stamped on every component of a
	// multi-source merge. Nil for suggestions that never took part in one.
	MergeSourceIDs []int64
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (s Suggestion) Consumed() bool {
	return s.ConsumedByFormalID != nil
}

func (s Suggestion) Deleted() bool {
	return s.DeletedAt != nil
}

func (s Suggestion) IsSourceStub() bool {
	return len(s.MergeSourceIDs) > 0
}

func (s Suggestion) AuthoredBy(ref string) bool {
	return s.AuthorRef != nil && *s.AuthorRef == ref
}

type FormalProposal struct {
	ID                  int64
	Code                string
	Title               string
	Reason              string
	Recommendation      string
	ManagingUnit        string
	Status              FormalStatus
	Origin              Origin
	SourceSuggestionIDs []int64
	SourceFingerprint   string
	CreatedBy           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Reversible reports whether Cancel-Merge may rewind this proposal.
func (f FormalProposal) Reversible() bool {
	return f.Origin == OriginMerged && len(f.SourceSuggestionIDs) > 0
}

type EndorsementInvitation struct {
	ID           string
	SuggestionID int64
	InviteeRef   string
	State        EndorsementState
	CreatedAt    time.Time
	RespondedAt  *time.Time
	RemovedAt    *time.Time
}

// TitleMatch is a row returned by the substring title lookup.
type TitleMatch struct {
	Kind   string
	ID     int64
	Title  string
	Status string
	// Body is the brief or reason; only ListIndexable fills it.
	Body string
}

const (
	KindSuggestion = "suggestion"
	KindFormal     = "formal"
)

type SuggestionFilter struct {
	Status         SuggestionStatus
	AuthorRef      string
	IncludeDeleted bool
	Limit          int
	Offset         int
}
