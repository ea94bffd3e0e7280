package model

// ResolutionUpdate is the field set a terminal transition writes. It is
// applied through the store's compare-and-set primitive, conditioned on
// the row still being PENDING at write time.
type ResolutionUpdate struct {
	Status         TransactionStatus
	ResultCode     *int
	ResultDesc     *string
	Metadata       map[string]string
	TimeoutHandled bool
	UpdatedAt      int64
}
