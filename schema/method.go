package schema

// Client to server requests.
const (
	MethodInitialize            = "initialize"
	MethodPing                  = "ping"
	MethodResourcesList         = "resources/list"
	MethodResourceTemplatesList = "resources/templates/list"
	MethodResourcesRead         = "resources/read"
	MethodResourcesSubscribe    = "resources/subscribe"
	MethodResourcesUnsubscribe  = "resources/unsubscribe"
	MethodPromptsList           = "prompts/list"
	MethodPromptsGet            = "prompts/get"
	MethodToolsList             = "tools/list"
	MethodToolsCall             = "tools/call"
	MethodComplete              = "completion/complete"
	MethodLoggingSetLevel       = "logging/setLevel"
)

// Server to client requests.
const (
	MethodSamplingCreateMessage = "sampling/createMessage"
	MethodRootsList             = "roots/list"
	MethodElicitationCreate     = "elicitation/create"
)

// Notifications.
const (
	NotificationInitialized          = "notifications/initialized"
	NotificationCancelled            = "notifications/cancelled"
	NotificationProgress             = "notifications/progress"
	NotificationMessage              = "notifications/message"
	NotificationToolsListChanged     = "notifications/tools/list_changed"
	NotificationPromptsListChanged   = "notifications/prompts/list_changed"
	NotificationResourcesListChanged = "notifications/resources/list_changed"
	NotificationResourceUpdated      = "notifications/resources/updated"
	NotificationRootsListChanged     = "notifications/roots/list_changed"
	NotificationSessionTerminated    = "notifications/session/terminated"
)

// requestMethods is the closed set of client to server request methods.
var requestMethods = map[string]bool{
	MethodInitialize:            true,
	MethodPing:                  true,
	MethodResourcesList:         true,
	MethodResourceTemplatesList: true,
	MethodResourcesRead:         true,
	MethodResourcesSubscribe:    true,
	MethodResourcesUnsubscribe:  true,
	MethodPromptsList:           true,
	MethodPromptsGet:            true,
	MethodToolsList:             true,
	MethodToolsCall:             true,
	MethodComplete:              true,
	MethodLoggingSetLevel:       true,
}

// methodMinVersion maps methods to the earliest protocol revision carrying them.
// Methods absent from the map are available in every supported revision.
var methodMinVersion = map[string]string{
	MethodElicitationCreate: Version20250618,
}

// IsRequestMethod returns true for members of the closed client to server method set.
func IsRequestMethod(method string) bool {
	return requestMethods[method]
}

// MethodAvailable reports whether method exists in the given protocol revision.
func MethodAvailable(method, version string) bool {
	min, ok := methodMinVersion[method]
	if !ok {
		return true
	}
	return versionAtLeast(version, min)
}
