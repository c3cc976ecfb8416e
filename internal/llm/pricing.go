package llm

// Price is the per-million-token cost of a model in USD.
type Price struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Pricing maps model names to prices. Unknown models fall back to Default.
type Pricing struct {
	Models  map[string]Price
	Default Price
}

// DefaultPrice is charged for models missing from the pricing table.
var DefaultPrice = Price{InputPerMTok: 15, OutputPerMTok: 75}

// For returns the price of model.
func (p Pricing) For(model string) Price {
	if price, ok := p.Models[model]; ok {
		return price
	}
	if p.Default != (Price{}) {
		return p.Default
	}
	return DefaultPrice
}

// Cost returns the USD cost of a call.
func (p Pricing) Cost(model string, u Usage) float64 {
	price := p.For(model)
	return (float64(u.InputTokens)*price.InputPerMTok + float64(u.OutputTokens)*price.OutputPerMTok) / 1e6
}

// MaxCost returns the cost of u under the most expensive of models.
func (p Pricing) MaxCost(models []string, u Usage) float64 {
	var highest float64
	for _, m := range models {
		if c := p.Cost(m, u); c > highest {
			highest = c
		}
	}
	return highest
}

// EstimateTokens approximates the token count of text (about four characters per token).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
