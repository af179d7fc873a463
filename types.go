package cheburnet

import (
	"fmt"
	"strings"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is a non-2xx answer from the chat service.
type APIError struct {
	Status int    `json:"-"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("api error: HTTP %d: %s", e.Status, e.Detail)
}

// Rejected reports whether the server refused the request itself (4xx) as
// opposed to failing while handling it.
func (e *APIError) Rejected() bool {
	return e.Status >= 400 && e.Status < 500
}

// ============================================================================
// Auth / Users
// ============================================================================

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResult struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
}

// User is the public view of an account.
type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	AvatarFileID *int64 `json:"avatar_file_id,omitempty"`
	AvatarURL    string `json:"avatar_url,omitempty"`
}

// ============================================================================
// Dialogs
// ============================================================================

// Dialog is one entry of the DM list.
type Dialog struct {
	ChatID         int64 `json:"chat_id"`
	Other          User  `json:"other"`
	OtherOnline    bool  `json:"other_online"`
	MyLastRead     int64 `json:"my_last_read"`
	OtherLastRead  int64 `json:"other_last_read"`
	LastIncomingID int64 `json:"last_incoming_id"`
}

type StartDMResult struct {
	ChatID int64 `json:"chat_id"`
	With   User  `json:"with"`
}

// ============================================================================
// Messages
// ============================================================================

type Attachment struct {
	ID   int64  `json:"id"`
	Mime string `json:"mime"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Message is immutable once the server assigned its id. CreatedAt is for
// display only; ordering is by ID.
type Message struct {
	ID          int64        `json:"id"`
	SenderID    int64        `json:"sender_id"`
	Text        string       `json:"text,omitempty"`
	CreatedAt   string       `json:"created_at"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type ReadState struct {
	MyLastRead    int64 `json:"my_last_read"`
	OtherLastRead int64 `json:"other_last_read"`
}

// MessagePage is one history response.
type MessagePage struct {
	Items        []Message `json:"items"`
	NextBeforeID *int64    `json:"next_before_id"`
	ReadState    ReadState `json:"read_state"`
}

// MessageQuery selects a history page. Zero fields are omitted.
type MessageQuery struct {
	Limit    int
	BeforeID int64
	AfterID  int64
}

type sendBody struct {
	Text    string  `json:"text,omitempty"`
	FileIDs []int64 `json:"file_ids"`
}

type readBody struct {
	LastReadMessageID int64 `json:"last_read_message_id"`
}

// UploadResult is the server record of an uploaded file.
type UploadResult struct {
	FileID int64  `json:"file_id"`
	Mime   string `json:"mime"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
}

// ============================================================================
// Assistant
// ============================================================================

type SuggestContext struct {
	Sender string `json:"sender"` // "me" or "other"
	Text   string `json:"text"`
}

type SuggestRequest struct {
	ChatID   int64            `json:"chat_id"`
	Draft    string           `json:"draft"`
	Reason   string           `json:"reason,omitempty"`
	Messages []SuggestContext `json:"messages"`
}

type SuggestResult struct {
	Suggestion string `json:"suggestion"`
}

// allowedUploadPrefixes mirrors the server's mime allow-list.
var allowedUploadPrefixes = []string{"image/", "video/", "application/", "text/"}

func uploadAllowed(mime string) bool {
	for _, p := range allowedUploadPrefixes {
		if strings.HasPrefix(mime, p) {
			return true
		}
	}
	return false
}
