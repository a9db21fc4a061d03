// Package smcp defines the A2C-SMCP wire protocol: event names, payload
// schemas, request correlation ids, and the tool-call result shape shared
// by the Server, Computer, and Agent components.
package smcp

// Namespace is the signaling namespace all SMCP events traverse.
const Namespace = "/smcp"

// Events addressed to the Server by either peer.
const (
	EventServerJoinOffice     = "server:join_office"
	EventServerLeaveOffice    = "server:leave_office"
	EventServerUpdateConfig   = "server:update_config"
	EventServerUpdateToolList = "server:update_tool_list"
	EventServerUpdateDesktop  = "server:update_desktop"
	EventServerToolCallCancel = "server:tool_call_cancel"
	EventServerListRoom       = "server:list_room"
)

// Events the Server forwards to a target Computer on behalf of an Agent.
const (
	EventClientToolCall   = "client:tool_call"
	EventClientGetTools   = "client:get_tools"
	EventClientGetDesktop = "client:get_desktop"
	EventClientGetConfig  = "client:get_config"
)

// Notifications broadcast by the Server inside an office.
const (
	NotifyEnterOffice    = "notify:enter_office"
	NotifyLeaveOffice    = "notify:leave_office"
	NotifyUpdateConfig   = "notify:update_config"
	NotifyUpdateToolList = "notify:update_tool_list"
	NotifyUpdateDesktop  = "notify:update_desktop"
	NotifyToolCallCancel = "notify:tool_call_cancel"
)

// Event name prefixes. A Computer or Agent must never emit an event carrying
// the notify: or client: prefix; those directions belong to the Server.
const (
	PrefixServer = "server:"
	PrefixClient = "client:"
	PrefixNotify = "notify:"
)
