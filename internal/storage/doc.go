package storage

// Package storage persists the little durable state this system needs:
//   - One watermark record per feed (last delivered creation time + id)
//   - A TTL'd key/value cache (guest tokens)
//
// Both backends share the same semantics: reads never block delivery,
// and a watermark write happens only after its item was fully delivered.
