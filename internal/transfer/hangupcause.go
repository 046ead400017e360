package transfer

import "strings"

// statusForHangupCause implements the hangup-cause -> transfer-status table
// of §4.8.2 step 5.
func statusForHangupCause(cause string) string {
	switch strings.ToUpper(strings.TrimSpace(cause)) {
	case "USER_BUSY":
		return "busy"
	case "NO_ANSWER", "ALLOTTED_TIMEOUT":
		return "no_answer"
	case "SUBSCRIBER_ABSENT", "USER_NOT_REGISTERED":
		return "offline"
	case "CALL_REJECTED":
		return "rejected"
	case "DO_NOT_DISTURB":
		return "dnd"
	case "DESTINATION_OUT_OF_ORDER", "TEMPORARY_FAILURE", "MEDIA_TIMEOUT", "GATEWAY_DOWN":
		return "failed"
	case "NORMAL_CLEARING":
		return "success"
	case "":
		return "unavailable"
	default:
		return "unavailable"
	}
}

// dialString builds the originate target string by destination type, per
// §4.8.2's table.
func dialString(destinationType, destinationID, routingContext string) string {
	ctx := routingContext
	if ctx == "" {
		ctx = "default"
	}
	switch destinationType {
	case "extension":
		return "user/" + destinationID + "@" + ctx
	case "ring-group":
		return "group/" + destinationID + "@" + ctx
	case "queue":
		return "fifo/" + destinationID + "@" + ctx
	case "voicemail":
		return "voicemail/" + destinationID + "@" + ctx
	case "external":
		return "sofia/gateway/" + ctx + "/" + destinationID
	default:
		return "user/" + destinationID + "@" + ctx
	}
}
