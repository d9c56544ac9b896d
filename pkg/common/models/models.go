package models

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
)

var statuses = map[Status]struct{}{
	StatusPending:    {},
	StatusProcessing: {},
	StatusAccepted:   {},
	StatusRejected:   {},
}

func ParseStatus(raw string) (Status, bool) {
	s := Status(raw)
	_, ok := statuses[s]
	return s, ok
}

func (s Status) Valid() bool {
	_, ok := statuses[s]
	return ok
}

type RejectReason string

const (
	RejectAvailable           RejectReason = "Available"
	RejectNotFound            RejectReason = "NotFound"
	RejectDuplicate           RejectReason = "Duplicate"
	RejectCopyrightRestricted RejectReason = "CopyrightRestricted"
	RejectIncompleteCitation  RejectReason = "IncompleteCitation"
)

var rejectReasons = map[RejectReason]struct{}{
	RejectAvailable:           {},
	RejectNotFound:            {},
	RejectDuplicate:           {},
	RejectCopyrightRestricted: {},
	RejectIncompleteCitation:  {},
}

func ParseRejectReason(raw string) (RejectReason, bool) {
	r := RejectReason(raw)
	_, ok := rejectReasons[r]
	return r, ok
}

func (r RejectReason) Valid() bool {
	_, ok := rejectReasons[r]
	return ok
}

// Metadata is the descriptive part of a request, shared by the ledger row and
// the owner's mirror entry.
type Metadata struct {
	Title           string `json:"documentTitle"`
	Authors         string `json:"authors"`
	PublicationName string `json:"publicationName"`
	PublicationYear int    `json:"publicationYear"`
	Volume          string `json:"volume,omitempty"`
	Issue           string `json:"issue,omitempty"`
	Pages           string `json:"pages,omitempty"`
	SourceURL       string `json:"sourceUrl,omitempty"`
	Publisher       string `json:"publisher,omitempty"`
}

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Identity is the authenticated caller handed to the core by the auth layer.
type Identity struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
	Role  string    `json:"role"`
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

type DocumentRequest struct {
	ID             uuid.UUID     `json:"id"`
	RequesterEmail string        `json:"requesterEmail"`
	Metadata       Metadata      `json:"metadata"`
	Status         Status        `json:"status"`
	RejectReason   *RejectReason `json:"rejectReason"`
	AttachmentRef  *string       `json:"-"`
	MirrorID       uuid.UUID     `json:"-"`
	Revision       int64         `json:"revision"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

func (r DocumentRequest) Triple() StatusChange {
	return StatusChange{Status: r.Status, RejectReason: r.RejectReason, AttachmentRef: r.AttachmentRef}
}

func (r DocumentRequest) HasAttachment() bool {
	return r.AttachmentRef != nil
}

// MirrorEntry is the owner-side copy of a request. Its ID becomes the
// ledger row's MirrorID.
type MirrorEntry struct {
	ID            uuid.UUID     `json:"-"`
	RequestID     uuid.UUID     `json:"requestId"`
	Metadata      Metadata      `json:"metadata"`
	Status        Status        `json:"status"`
	RejectReason  *RejectReason `json:"rejectReason"`
	AttachmentRef *string       `json:"-"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

func (e MirrorEntry) Triple() StatusChange {
	return StatusChange{Status: e.Status, RejectReason: e.RejectReason, AttachmentRef: e.AttachmentRef}
}

func (e MirrorEntry) HasAttachment() bool {
	return e.AttachmentRef != nil
}

// Owner is a requester record carrying its embedded mirror entries.
type Owner struct {
	ID       uuid.UUID     `json:"id"`
	Email    string        `json:"email"`
	Revision int64         `json:"revision"`
	Entries  []MirrorEntry `json:"entries"`
}

func (o Owner) Entry(mirrorID uuid.UUID) (MirrorEntry, bool) {
	for _, e := range o.Entries {
		if e.ID == mirrorID {
			return e, true
		}
	}
	return MirrorEntry{}, false
}

type Library struct {
	ID            uuid.UUID              `json:"id"`
	Name          string                 `json:"name"`
	ContactEmail  string                 `json:"contactEmail"`
	Contact       map[string]interface{} `json:"contact,omitempty"`
	Solicitations []uuid.UUID            `json:"solicitations"`
	CreatedAt     time.Time              `json:"createdAt"`
}

type Attachment struct {
	Ref       string    `json:"ref"`
	MediaType string    `json:"mediaType"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	PageCount int       `json:"pageCount,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

type SubmitRequest struct {
	Metadata
}

type SolicitRequest struct {
	LibraryIDs []string `json:"libraryIds"`
}

type NotificationFailure struct {
	Recipient string `json:"recipient"`
	LibraryID string `json:"libraryId,omitempty"`
	Error     string `json:"error"`
}
