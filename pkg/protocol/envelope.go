package protocol

import "encoding/json"

// Stream envelope types shared by both transfer directions.
const (
	StreamStart      = "STREAM_START"
	StreamDataFirst  = "STREAM_DATA_FIRST"
	StreamDataMiddle = "STREAM_DATA_MIDDLE"
	StreamDataLast   = "STREAM_DATA_LAST"
	StreamDataRetry  = "STREAM_DATA_RETRY"
	StreamDataFailed = "STREAM_DATA_FAILED"
	StreamEnd        = "STREAM_END"
	NonStream        = "NON_STREAM"
)

// Wire event names. Client→server events carry the bare name; the
// server→client rebroadcast uses the _RESPONSE-suffixed twin.
const (
	EventLLMRequest    = "LLM_REQUEST"
	EventLLMResponse   = "LLM_RESPONSE"
	EventContextPage   = "UPDATE_CONTEXT_PAGE"
	EventAssignment    = "ASSIGNMENT_UPDATE"
	EventRequestStatus = "REQUEST_STATUS"
	EventRoomNotice    = "ROOM_NOTICE"
	EventError         = "ERROR"

	EventCreateRoom    = "CREATE_ROOM"
	EventDeleteRoom    = "DELETE_ROOM"
	EventJoinRoom      = "JOIN_ROOM"
	EventLeaveRoom     = "LEAVE_ROOM"
	EventSetMode       = "SET_MODE"
	EventSetRole       = "SET_ROLE"
	EventEditMessage   = "EDIT_MESSAGE"
	EventDeleteMessage = "DELETE_MESSAGE"
	EventClearMessages = "CLEAR_MESSAGES"
	EventMuteIdentity  = "MUTE_IDENTITY"
	EventSetPolicy     = "SET_POLICY"
	EventRoomList      = "GET_ROOM_LIST"
	EventIdentityList  = "GET_IDENTITY_LIST"
)

// ResponseEvent returns the server→client twin of a client→server event
// name.
func ResponseEvent(event string) string {
	return event + "_RESPONSE"
}

// StreamEnvelope is one frame of a chunked backend transfer. streamId
// identifies a single transfer attempt; outputId identifies the logical
// generation turn the attempt belongs to and survives retries.
type StreamEnvelope struct {
	Type       string `json:"type"`
	StreamID   string `json:"streamId"`
	OutputID   string `json:"outputId"`
	RequestID  string `json:"requestId"`
	ChunkIndex int    `json:"chunkIndex,omitempty"`
	Data       string `json:"data,omitempty"`
	Source     string `json:"source"`
	Target     string `json:"target,omitempty"`
}

// NonStreamEnvelope carries a complete, unchunked backend payload.
type NonStreamEnvelope struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Source    string `json:"source"`
	RequestID string `json:"requestId"`
	OutputID  string `json:"outputId"`
}

// LLMRequest is the structured request forwarded to a generation backend.
type LLMRequest struct {
	RequestID          string    `json:"requestId"`
	Mode               string    `json:"mode"`
	RequestingIdentity string    `json:"requestingIdentity"`
	Target             []string  `json:"target,omitempty"`
	CurrentRequest     *Message  `json:"currentRequest"`
	Context            []Message `json:"context,omitempty"`
}

// LLMResponse is a complete (non-streamed) backend reply.
type LLMResponse struct {
	RequestID string `json:"requestId"`
	Data      string `json:"data"`
	Source    string `json:"source"`
}

// Message is the wire form of one conversational message.
type Message struct {
	MessageID     string          `json:"messageId"`
	Identity      string          `json:"identity"`
	Timestamp     int64           `json:"timestamp"`
	Content       string          `json:"content"`
	IsResponse    bool            `json:"isResponse"`
	SwipeIndex    int             `json:"swipeIndex,omitempty"`
	AuxiliaryData json.RawMessage `json:"auxiliaryData,omitempty"`

	// Populated only on merged HostSubmit dispatches.
	IsMerged           bool     `json:"isMerged,omitempty"`
	MergedFromCount    int      `json:"mergedFromCount,omitempty"`
	OriginalRequestIDs []string `json:"originalRequestIds,omitempty"`
}

// ContextPage is one page of a paginated full-context delivery.
type ContextPage struct {
	UpdateID    string    `json:"updateId"`
	RoomName    string    `json:"roomName"`
	PageNumber  int       `json:"pageNumber"`
	TotalPages  int       `json:"totalPages"`
	IsLastPage  bool      `json:"isLastPage"`
	ContextPage []Message `json:"contextPage"`
}

// RequestStatus notifies a request's originator about dispatch progress.
type RequestStatus struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"` // "processing" or "completed"
	Responses int    `json:"responses"`
	Expected  int    `json:"expected"`
}

// ClientMessage is the outermost inbound frame.
type ClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage is the outermost outbound frame.
type ServerMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Handshake carries the authentication fields presented on connect.
// Key == "getKey" requests issuance of a fresh key instead of verifying.
type Handshake struct {
	ClientID   string `json:"clientId"`
	ClientType string `json:"clientType"`
	Key        string `json:"key"`
	Desc       string `json:"desc,omitempty"`
}

// KeyRequestValue is the sentinel Handshake.Key requesting key issuance.
const KeyRequestValue = "getKey"
