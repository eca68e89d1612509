package paygate

import "fmt"

// Resource derives the stable payment-challenge identifier. It is the
// unit of a payment: two challenges sharing a resource are
// interchangeable, two differing in any component are not. The segment
// id pins a paid signature to one room instance; host re-segmentation
// mints a new segment and strands prior entitlements by construction.
func Resource(kind, roomID, op, segmentID string) string {
	return fmt.Sprintf("/%s/%s/%s?segment_id=%s", kind, roomID, op, segmentID)
}
