package log

const (
	// Object identity
	FieldBucket     = "bucket"
	FieldKey        = "key"
	FieldResizedKey = "resized_key"
	FieldLockKey    = "lock_key"

	// Dedup protocol
	FieldOutcome = "outcome"
	FieldOwnerID = "owner_id"
	FieldLockAge = "lock_age_s"

	// Service
	FieldService = "service"
)
