package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for relay observability spans and metrics.
var (
	AttrModelName     = attribute.Key("model.name")
	AttrModelProvider = attribute.Key("model.provider")
	AttrModelMethod   = attribute.Key("model.method")
	AttrModelQuality  = attribute.Key("model.quality")
	AttrStreamChunks  = attribute.Key("model.stream_chunks")

	AttrToolCount = attribute.Key("model.tool_count")
	AttrToolNames = attribute.Key("model.tool_names")

	AttrTaskID     = attribute.Key("task.id")
	AttrTaskStatus = attribute.Key("task.status")

	AttrSkillName = attribute.Key("skill.name")

	AttrAuditActor   = attribute.Key("audit.actor")
	AttrAuditAction  = attribute.Key("audit.action")
	AttrAuditOutcome = attribute.Key("audit.outcome")

	AttrOutcome = attribute.Key("confirmation.outcome")
)
