package events

// Contact event types
const (
	// EventContactCreated is a new primary contact
	EventContactCreated = "contact.created"
	// EventContactLinked is a new secondary attached to an existing cluster
	EventContactLinked = "contact.linked"
	// EventContactMerged is a former primary folded into an older cluster
	EventContactMerged = "contact.merged"
)
