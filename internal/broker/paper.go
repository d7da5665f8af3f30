package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// Paper is an in-memory broker used for paper trading and tests. Fills are
// immediate at the current tick with no slippage; realized PnL is credited to
// the balance on close.
type Paper struct {
	mu        sync.Mutex
	balance   decimal.Decimal
	currency  string
	symbols   map[string]SymbolInfo
	ticks     map[string]types.Tick
	bars      map[string][]types.OHLCV
	positions map[int64]*PositionSnapshot
	nextTick  int64

	// failNext maps an op name to an error returned by the next call of
	// that op. Test hook.
	failNext map[string]error
}

// NewPaper creates a paper broker with the given starting balance.
func NewPaper(balance decimal.Decimal, currency string) *Paper {
	return &Paper{
		balance:   balance,
		currency:  currency,
		symbols:   make(map[string]SymbolInfo),
		ticks:     make(map[string]types.Tick),
		bars:      make(map[string][]types.OHLCV),
		positions: make(map[int64]*PositionSnapshot),
		nextTick:  1000,
		failNext:  make(map[string]error),
	}
}

// SetSymbol registers contract parameters for a symbol.
func (p *Paper) SetSymbol(info SymbolInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.symbols[info.Symbol] = info
}

// SetTick publishes a new tick, reprices open positions and fills any
// stop-loss or take-profit the tick crossed. Filled positions disappear from
// the position list the way a real terminal reports them.
func (p *Paper) SetTick(tick types.Tick) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks[tick.Symbol] = tick
	for ticket, pos := range p.positions {
		if pos.Symbol != tick.Symbol {
			continue
		}
		if level, hit := protectiveFill(pos, tick); hit {
			p.fillAtLocked(ticket, pos, level)
			continue
		}
		pos.Profit = p.floatingPnLLocked(pos, tick)
	}
}

// protectiveFill reports the level the tick crossed, stop-loss taking
// precedence over take-profit.
func protectiveFill(pos *PositionSnapshot, tick types.Tick) (float64, bool) {
	if pos.Side == types.SideBuy {
		if pos.StopLoss > 0 && tick.Bid <= pos.StopLoss {
			return pos.StopLoss, true
		}
		if pos.TakeProfit > 0 && tick.Bid >= pos.TakeProfit {
			return pos.TakeProfit, true
		}
		return 0, false
	}
	if pos.StopLoss > 0 && tick.Ask >= pos.StopLoss {
		return pos.StopLoss, true
	}
	if pos.TakeProfit > 0 && tick.Ask <= pos.TakeProfit {
		return pos.TakeProfit, true
	}
	return 0, false
}

// fillAtLocked closes the whole position at the given level and settles the
// realized PnL into the balance.
func (p *Paper) fillAtLocked(ticket int64, pos *PositionSnapshot, price float64) {
	info := p.symbols[pos.Symbol]
	if info.PipSize > 0 && info.PipValuePerLot > 0 {
		diff := price - pos.OpenPrice
		if pos.Side == types.SideSell {
			diff = pos.OpenPrice - price
		}
		pips := diff / info.PipSize
		pnl := decimal.NewFromFloat(pips * pos.Volume * info.PipValuePerLot).Round(2)
		p.balance = p.balance.Add(pnl)
	}
	delete(p.positions, ticket)
}

// SetBars replaces the bar history for (symbol, timeframe).
func (p *Paper) SetBars(symbol string, tf types.Timeframe, bars []types.OHLCV) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[symbol+"/"+string(tf)] = bars
}

// FailNext makes the next call of op return err. Test hook.
func (p *Paper) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext[op] = err
}

func (p *Paper) takeFailureLocked(op string) error {
	if err, ok := p.failNext[op]; ok {
		delete(p.failNext, op)
		return err
	}
	return nil
}

func (p *Paper) floatingPnLLocked(pos *PositionSnapshot, tick types.Tick) decimal.Decimal {
	info := p.symbols[pos.Symbol]
	if info.PipSize <= 0 || info.PipValuePerLot <= 0 {
		return decimal.Zero
	}
	price := tick.Bid
	diff := price - pos.OpenPrice
	if pos.Side == types.SideSell {
		price = tick.Ask
		diff = pos.OpenPrice - price
	}
	pips := diff / info.PipSize
	return decimal.NewFromFloat(pips * pos.Volume * info.PipValuePerLot).Round(2)
}

func (p *Paper) AccountInfo(ctx context.Context) (AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailureLocked("accountInfo"); err != nil {
		return AccountInfo{}, err
	}
	floating := decimal.Zero
	for _, pos := range p.positions {
		floating = floating.Add(pos.Profit)
	}
	return AccountInfo{
		Balance:    p.balance,
		Equity:     p.balance.Add(floating),
		FreeMargin: p.balance.Add(floating),
		Currency:   p.currency,
	}, nil
}

func (p *Paper) SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailureLocked("symbolInfo"); err != nil {
		return SymbolInfo{}, err
	}
	info, ok := p.symbols[symbol]
	if !ok {
		return SymbolInfo{}, Rejected("symbolInfo", fmt.Errorf("unknown symbol %s", symbol))
	}
	return info, nil
}

func (p *Paper) Bars(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.OHLCV, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailureLocked("bars"); err != nil {
		return nil, err
	}
	all := p.bars[symbol+"/"+string(tf)]
	if count > 0 && len(all) > count {
		all = all[len(all)-count:]
	}
	out := make([]types.OHLCV, len(all))
	copy(out, all)
	return out, nil
}

func (p *Paper) Tick(ctx context.Context, symbol string) (types.Tick, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailureLocked("tick"); err != nil {
		return types.Tick{}, err
	}
	tick, ok := p.ticks[symbol]
	if !ok {
		return types.Tick{}, Retryable("tick", fmt.Errorf("no tick for %s yet", symbol))
	}
	return tick, nil
}

func (p *Paper) OpenPosition(ctx context.Context, req OpenRequest) (OpenResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailureLocked("openPosition"); err != nil {
		return OpenResult{}, err
	}
	info, ok := p.symbols[req.Symbol]
	if !ok {
		return OpenResult{}, Rejected("openPosition", fmt.Errorf("unknown symbol %s", req.Symbol))
	}
	if req.Volume < info.VolumeMin || (info.VolumeMax > 0 && req.Volume > info.VolumeMax) {
		return OpenResult{}, Rejected("openPosition", fmt.Errorf("volume %v outside [%v, %v]", req.Volume, info.VolumeMin, info.VolumeMax))
	}
	tick, ok := p.ticks[req.Symbol]
	if !ok {
		return OpenResult{}, Retryable("openPosition", fmt.Errorf("no tick for %s yet", req.Symbol))
	}

	fill := tick.Ask
	if req.Side == types.SideSell {
		fill = tick.Bid
	}
	p.nextTick++
	pos := &PositionSnapshot{
		Ticket:     p.nextTick,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Volume:     req.Volume,
		OpenPrice:  fill,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Profit:     decimal.Zero,
		OpenTime:   tick.Time,
		Magic:      req.Magic,
	}
	if pos.OpenTime.IsZero() {
		pos.OpenTime = time.Now().UTC()
	}
	p.positions[pos.Ticket] = pos
	return OpenResult{Ticket: pos.Ticket, FilledPrice: fill}, nil
}

func (p *Paper) ModifyPosition(ctx context.Context, ticket int64, mod Modification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailureLocked("modifyPosition"); err != nil {
		return err
	}
	pos, ok := p.positions[ticket]
	if !ok {
		return Rejected("modifyPosition", fmt.Errorf("no position with ticket %d", ticket))
	}
	if mod.StopLoss != nil {
		pos.StopLoss = *mod.StopLoss
	}
	if mod.TakeProfit != nil {
		pos.TakeProfit = *mod.TakeProfit
	}
	return nil
}

func (p *Paper) ClosePosition(ctx context.Context, ticket int64, volume float64) (CloseResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailureLocked("closePosition"); err != nil {
		return CloseResult{}, err
	}
	pos, ok := p.positions[ticket]
	if !ok {
		return CloseResult{}, Rejected("closePosition", fmt.Errorf("no position with ticket %d", ticket))
	}
	if volume <= 0 || volume > pos.Volume {
		volume = pos.Volume
	}
	tick, ok := p.ticks[pos.Symbol]
	if !ok {
		return CloseResult{}, Retryable("closePosition", fmt.Errorf("no tick for %s yet", pos.Symbol))
	}

	price := tick.Bid
	if pos.Side == types.SideSell {
		price = tick.Ask
	}
	fraction := volume / pos.Volume
	pnl := p.floatingPnLLocked(pos, tick).Mul(decimal.NewFromFloat(fraction)).Round(2)
	p.balance = p.balance.Add(pnl)

	pos.Volume -= volume
	if pos.Volume <= 1e-9 {
		delete(p.positions, ticket)
	} else {
		pos.Profit = p.floatingPnLLocked(pos, tick)
	}
	return CloseResult{ClosedVolume: volume, ClosePrice: price}, nil
}

func (p *Paper) ListPositions(ctx context.Context, magic int64) ([]PositionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailureLocked("listPositions"); err != nil {
		return nil, err
	}
	out := make([]PositionSnapshot, 0, len(p.positions))
	for _, pos := range p.positions {
		if magic != 0 && pos.Magic != magic {
			continue
		}
		out = append(out, *pos)
	}
	return out, nil
}

func (p *Paper) Connected() bool { return true }

var _ Broker = (*Paper)(nil)
