package watch

// resaleKind is the only offer category that triggers an alert; primary
// market offers and platinum listings pass through the same endpoint.
const resaleKind = "resale"

// actionable reports whether an offer can actually be bought: resale kind,
// a price attached, and at least one selectable bundle size.
func actionable(o Offer) bool {
	return o.Kind == resaleKind && o.Price != nil && len(o.Quantities) > 0
}

func maxBundle(quantities []int) int {
	m := 0
	for _, q := range quantities {
		if q > m {
			m = q
		}
	}
	return m
}

// decide runs the availability decision over one inventory snapshot.
// It returns the report and true when at least one actionable offer exists.
//
// Ties on the cheapest price resolve to the first-encountered minimum.
func decide(eventID string, offers []Offer) (Report, bool) {
	var (
		cheapest *Offer
		total    int
		count    int
		maxSize  int
	)
	for i := range offers {
		o := offers[i]
		if !actionable(o) {
			continue
		}
		count++
		b := maxBundle(o.Quantities)
		total += b
		if b > maxSize {
			maxSize = b
		}
		if cheapest == nil || o.Price.Total < cheapest.Price.Total {
			cheapest = &offers[i]
		}
	}
	if cheapest == nil {
		return Report{}, false
	}
	return Report{
		EventID:            eventID,
		TotalTickets:       total,
		OfferCount:         count,
		MaxBundleSize:      maxSize,
		CheapestPrice:      float64(cheapest.Price.Total) / 100,
		CheapestQuantities: cheapest.Quantities,
	}, true
}
