package global

import (
	"hash/crc32"
)

// HashPartition maps key onto one of numPartitions buckets.
func HashPartition(key string, numPartitions int) int32 {
	if numPartitions <= 1 {
		return 0
	}
	checksum := crc32.ChecksumIEEE([]byte(key))
	return int32(checksum % uint32(numPartitions))
}

// ThreadStreamKey is the redis stream holding a thread's messages.
func ThreadStreamKey(threadID string) string {
	return "chat:thread:{" + threadID + "}:stream"
}

// ThreadIndexKey maps message id -> stream entry id for a thread.
func ThreadIndexKey(threadID string) string {
	return "chat:thread:{" + threadID + "}:index"
}

// ReadStateKey is the hash of user -> last read message id for a thread.
func ReadStateKey(threadID string) string {
	return "chat:read:{" + threadID + "}"
}

// PresenceKey is the set of live connection ids of a user.
func PresenceKey(userID string) string {
	return "chat:presence:{" + userID + "}"
}

// EventSubject is the NATS subject for an event type.
func EventSubject(prefix, eventType string) string {
	return prefix + "." + eventType
}
