package redisstream

// Stream entry fields.
const (
	fieldID         = "id"
	fieldName       = "name"
	fieldCodec      = "codec"
	fieldPayload    = "payload" // raw []byte, no base64
	fieldReplyTo    = "reply_to"
	fieldCode       = "code"
	fieldError      = "error"
	fieldProducedAt = "producedAt" // int64 ns
)
