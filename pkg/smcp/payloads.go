package smcp

import "encoding/json"

// Role identifies which side of the protocol a session speaks for.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleComputer Role = "computer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAgent || r == RoleComputer
}

// AgentCallData is the base of every Agent-originated request.
type AgentCallData struct {
	Agent string `json:"agent" validate:"required"`
	ReqID string `json:"req_id" validate:"required,len=32,hexadecimal,lowercase"`
}

// EnterOfficeReq is the payload of server:join_office.
type EnterOfficeReq struct {
	Role     Role   `json:"role" validate:"required,oneof=agent computer"`
	Name     string `json:"name" validate:"required"`
	OfficeID string `json:"office_id" validate:"required"`
}

// LeaveOfficeReq is the payload of server:leave_office.
type LeaveOfficeReq struct {
	OfficeID string `json:"office_id" validate:"required"`
}

// JoinAck is the structured ack for join/leave requests.
type JoinAck struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// ToolCallReq is the payload of client:tool_call.
type ToolCallReq struct {
	AgentCallData
	Computer string         `json:"computer" validate:"required"`
	ToolName string         `json:"tool_name" validate:"required"`
	Params   map[string]any `json:"params"`
	Timeout  int            `json:"timeout" validate:"gte=0"` // seconds
}

// GetToolsReq is the payload of client:get_tools.
type GetToolsReq struct {
	AgentCallData
	Computer string `json:"computer" validate:"required"`
}

// GetToolsRet is the correlated ack of client:get_tools.
type GetToolsRet struct {
	Tools []SMCPTool `json:"tools"`
	ReqID string     `json:"req_id"`
}

// GetDesktopReq is the payload of client:get_desktop.
type GetDesktopReq struct {
	AgentCallData
	Computer    string  `json:"computer" validate:"required"`
	DesktopSize *int    `json:"desktop_size,omitempty"`
	Window      *string `json:"window,omitempty"`
}

// GetDesktopRet is the correlated ack of client:get_desktop.
type GetDesktopRet struct {
	Desktops []Desktop `json:"desktops"`
	ReqID    string    `json:"req_id"`
}

// GetConfigReq is the payload of client:get_config.
type GetConfigReq struct {
	AgentCallData
	Computer string `json:"computer" validate:"required"`
}

// GetConfigRet is the correlated ack of client:get_config. Servers and
// inputs are serialized forms of the Computer's validated configuration.
type GetConfigRet struct {
	Servers map[string]json.RawMessage `json:"servers"`
	Inputs  []json.RawMessage          `json:"inputs"`
	ReqID   string                     `json:"req_id"`
}

// ListRoomReq is the payload of server:list_room.
type ListRoomReq struct {
	AgentCallData
	OfficeID string `json:"office_id" validate:"required"`
}

// SessionInfo describes one session inside an office.
type SessionInfo struct {
	Role     Role   `json:"role"`
	Name     string `json:"name"`
	OfficeID string `json:"office_id"`
}

// ListRoomRet is the correlated ack of server:list_room.
type ListRoomRet struct {
	Sessions []SessionInfo `json:"sessions"`
	ReqID    string        `json:"req_id"`
}

// OfficeNotification is the payload of notify:enter_office,
// notify:leave_office, notify:update_config, notify:update_tool_list and
// notify:update_desktop. Exactly one of Computer/Agent is set for
// membership notifications; update notifications always name the computer.
type OfficeNotification struct {
	OfficeID string  `json:"office_id"`
	Computer *string `json:"computer,omitempty"`
	Agent    *string `json:"agent,omitempty"`
}

// ErrorCode classifies wire-visible failures of non-tool requests.
type ErrorCode string

const (
	ErrCodeAuthFailed      ErrorCode = "auth_failed"
	ErrCodeRoleConflict    ErrorCode = "role_conflict"
	ErrCodeDuplicateName   ErrorCode = "duplicate_name"
	ErrCodeAgentSingleRoom ErrorCode = "agent_single_room"
	ErrCodeCrossRoomAccess ErrorCode = "cross_room_access"
	ErrCodeTargetUnknown   ErrorCode = "target_unknown"
	ErrCodeForwardTimeout  ErrorCode = "forward_timeout"
	ErrCodeBadRequest      ErrorCode = "bad_request"
)

// ErrorDetail is the structured error object carried inside an ack for
// non-tool calls. Tool calls never use this shape; they materialize errors
// as CallToolResult{IsError: true}.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

// ErrorRet wraps an ErrorDetail as a full ack payload.
type ErrorRet struct {
	Error ErrorDetail `json:"error"`
}

// NewErrorRet builds an error ack payload.
func NewErrorRet(code ErrorCode, message string) *ErrorRet {
	return &ErrorRet{Error: ErrorDetail{Code: code, Message: message}}
}

// AckError extracts the error detail from a raw ack payload, if present.
func AckError(raw json.RawMessage) (*ErrorDetail, bool) {
	var ret ErrorRet
	if err := json.Unmarshal(raw, &ret); err != nil {
		return nil, false
	}
	if ret.Error.Code == "" {
		return nil, false
	}
	return &ret.Error, true
}
