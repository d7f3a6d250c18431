package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonTransportRead             ReasonCode = "transport_read"
	ReasonTransportMalformed        ReasonCode = "transport_malformed"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"

	ReasonSessionDuplicate ReasonCode = "session_duplicate"
	ReasonSessionPanic     ReasonCode = "session_panic"

	ReasonSTTSubmit      ReasonCode = "stt_submit"
	ReasonSTTPoll        ReasonCode = "stt_poll"
	ReasonSTTFailed      ReasonCode = "stt_failed"
	ReasonSTTTimeout     ReasonCode = "stt_timeout"
	ReasonSTTRateLimit   ReasonCode = "stt_rate_limit"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"

	ReasonAudioEncode ReasonCode = "audio_encode"
)
