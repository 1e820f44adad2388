// Package redislist implements the broker capability interfaces on Redis
// lists for redis:// and rediss:// endpoints.
//
// A queue is the list stored at <prefix><name>. Producers RPUSH JSON
// envelopes and consumers pop from the head, so browsing is LRANGE over the
// list. Any other Redis type stored at the key is reported as a non-queue
// destination. Entries that are not envelopes get a message id derived from
// their index and content.
package redislist
