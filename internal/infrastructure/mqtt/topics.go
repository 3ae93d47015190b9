package mqtt

import "fmt"

// Topic prefixes for the beamline MQTT hierarchy.
//
// All topics use the flat scheme: beamline/{category}/{...}. Document
// payloads are CBOR; readings and status payloads are JSON.
const (
	// TopicPrefix is the base for all beamline topics.
	TopicPrefix = "beamline"

	// TopicPrefixDocuments is the base for scan document topics.
	TopicPrefixDocuments = "beamline/documents"

	// TopicPrefixReadings is the base for live device reading topics.
	TopicPrefixReadings = "beamline/reading"

	// TopicPrefixCommand is the base for inbound command topics.
	TopicPrefixCommand = "beamline/command"
)

// Topics provides builders for beamline MQTT topics. Using these
// helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	docTopic := topics.Document("event")
//	// Returns: "beamline/documents/event"
type Topics struct{}

// Document returns the topic for one scan document type.
//
// Example: beamline/documents/start
func (Topics) Document(docType string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixDocuments, docType)
}

// RunDocument returns the per-run topic for one scan document type,
// for consumers that follow a single run.
//
// Example: beamline/documents/run/7f3a.../event
func (Topics) RunDocument(runUID, docType string) string {
	return fmt.Sprintf("%s/run/%s/%s", TopicPrefixDocuments, runUID, docType)
}

// Reading returns the topic for one device signal's live readings.
//
// Example: beamline/reading/aerotech_horiz/user_readback
func (Topics) Reading(device, signal string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixReadings, device, signal)
}

// DeviceCommand returns the topic for commands addressed to a device.
//
// Example: beamline/command/device/aerotech_horiz
func (Topics) DeviceCommand(device string) string {
	return fmt.Sprintf("%s/device/%s", TopicPrefixCommand, device)
}

// PlanCommand returns the topic for plan submissions.
//
// Example: beamline/command/plan
func (Topics) PlanCommand() string {
	return TopicPrefixCommand + "/plan"
}

// CommandResponse returns the topic for responses to a command.
//
// Example: beamline/command/response/req-abc123
func (Topics) CommandResponse(requestID string) string {
	return fmt.Sprintf("%s/response/%s", TopicPrefixCommand, requestID)
}

// Status returns the process status topic, also used for the broker
// last-will so consumers see an "offline" payload on unclean exit.
//
// Example: beamline/status
func (Topics) Status() string {
	return TopicPrefix + "/status"
}

// EngineStatus returns the run engine status topic.
//
// Example: beamline/engine/status
func (Topics) EngineStatus() string {
	return TopicPrefix + "/engine/status"
}

// AllDocuments returns a pattern matching every scan document.
//
// Pattern: beamline/documents/#
func (Topics) AllDocuments() string {
	return TopicPrefixDocuments + "/#"
}

// AllReadings returns a pattern matching every device reading.
//
// Pattern: beamline/reading/+/+
func (Topics) AllReadings() string {
	return TopicPrefixReadings + "/+/+"
}

// AllDeviceCommands returns a pattern matching every device command.
//
// Pattern: beamline/command/device/+
func (Topics) AllDeviceCommands() string {
	return TopicPrefixCommand + "/device/+"
}

// AllTopics returns a pattern matching all beamline topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: beamline/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}
