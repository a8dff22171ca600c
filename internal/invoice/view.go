package invoice

import "github.com/birdhaven/donations/internal/currency"

// View is an invoice as rendered to clients.
type View struct {
	*Invoice
	// DeprecatedMethod marks historical invoices whose method no longer
	// takes new payments.
	DeprecatedMethod bool `json:"deprecatedMethod,omitempty"`
}

// View renders inv for display. Addresses get their network's display form.
func (s *Service) View(inv *Invoice) *View {
	out := &View{Invoice: inv.Clone()}
	out.MerchantAddress = currency.DisplayAddress(inv.Network, inv.MerchantAddress)
	out.PayerAddress = currency.DisplayAddress(inv.Network, inv.PayerAddress)
	if info, ok := s.registry.Lookup(inv.PaymentMethod); ok && info.IsCrypto() {
		network := string(info.Network)
		out.DeprecatedMethod = s.registry.IsKnownCombination(info.Currency, network) &&
			!s.registry.IsValidCombination(info.Currency, network)
	}
	return out
}

// Views renders a list of invoices.
func (s *Service) Views(invs []*Invoice) []*View {
	out := make([]*View, 0, len(invs))
	for _, inv := range invs {
		out = append(out, s.View(inv))
	}
	return out
}
