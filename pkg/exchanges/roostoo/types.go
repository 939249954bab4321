package roostoo

// Wire formats of the Roostoo v3 API. Only the fields the bot reads are
// declared.

type envelope struct {
	Success bool   `json:"Success"`
	ErrMsg  string `json:"ErrMsg"`
}

type serverTimeResponse struct {
	ServerTime int64 `json:"ServerTime"`
}

type pairInfo struct {
	Coin            string  `json:"Coin"`
	Unit            string  `json:"Unit"`
	CanTrade        bool    `json:"CanTrade"`
	PricePrecision  int32   `json:"PricePrecision"`
	AmountPrecision int32   `json:"AmountPrecision"`
	MiniOrder       float64 `json:"MiniOrder"`
}

type exchangeInfoResponse struct {
	IsRunning  bool                `json:"IsRunning"`
	TradePairs map[string]pairInfo `json:"TradePairs"`
}

type tickerEntry struct {
	MaxBid    float64 `json:"MaxBid"`
	MinAsk    float64 `json:"MinAsk"`
	LastPrice float64 `json:"LastPrice"`
}

type tickerResponse struct {
	envelope
	ServerTime int64                  `json:"ServerTime"`
	Data       map[string]tickerEntry `json:"Data"`
}

type walletEntry struct {
	Free float64 `json:"Free"`
	Lock float64 `json:"Lock"`
}

type balanceResponse struct {
	envelope
	Wallet     map[string]walletEntry `json:"Wallet"`
	SpotWallet map[string]walletEntry `json:"SpotWallet"`
}

type orderDetail struct {
	Pair                  string  `json:"Pair"`
	OrderID               int64   `json:"OrderID"`
	Status                string  `json:"Status"`
	Side                  string  `json:"Side"`
	Type                  string  `json:"Type"`
	Price                 float64 `json:"Price"`
	Quantity              float64 `json:"Quantity"`
	FilledQuantity        float64 `json:"FilledQuantity"`
	FilledAverPrice       float64 `json:"FilledAverPrice"`
	CommissionChargeValue float64 `json:"CommissionChargeValue"`
	CreateTimestamp       int64   `json:"CreateTimestamp"`
	FinishTimestamp       int64   `json:"FinishTimestamp"`
}

type placeOrderResponse struct {
	envelope
	OrderDetail orderDetail `json:"OrderDetail"`
}

type queryOrderResponse struct {
	envelope
	OrderMatched []orderDetail `json:"OrderMatched"`
}

type cancelOrderResponse struct {
	envelope
	CanceledList []int64 `json:"CanceledList"`
}

type pendingCountResponse struct {
	envelope
	TotalPending int            `json:"TotalPending"`
	OrderPairs   map[string]int `json:"OrderPairs"`
}
