package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reference 为只读的市场参考数据源。
type Reference interface {
	Markets(ctx context.Context) ([]MarketDetail, error)
	OrderBook(ctx context.Context, market MarketID, depth int) (OrderBookSnapshot, error)
}

// Inspector 查询单个账户的资金概况。
type Inspector interface {
	Inspect(ctx context.Context) (AccountSnapshot, error)
}

// InspectorFunc 将函数适配为 Inspector。
type InspectorFunc func(ctx context.Context) (AccountSnapshot, error)

// Inspect 调用 f。
func (f InspectorFunc) Inspect(ctx context.Context) (AccountSnapshot, error) {
	return f(ctx)
}

// MarketSurvey 为市场发现报告中的一行。
type MarketSurvey struct {
	MarketDetail
	Quote
	BidLiquidity float64
	AskLiquidity float64
}

// TotalLiquidity 返回买卖两侧的名义深度之和。
func (s MarketSurvey) TotalLiquidity() float64 {
	return s.BidLiquidity + s.AskLiquidity
}

// MarketDataService 按需查询市场参数与盘口，不做缓存。
type MarketDataService struct {
	ref    Reference
	logger *zap.Logger
}

// NewMarketDataService 创建市场数据服务。
func NewMarketDataService(ref Reference, logger *zap.Logger) *MarketDataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketDataService{
		ref:    ref,
		logger: logger,
	}
}

// Resolve 并行拉取市场参数与盘口。市场不存在返回 ErrMarketNotFound，
// 盘口缺少任一侧返回 ErrBookUnavailable。
func (s *MarketDataService) Resolve(ctx context.Context, market MarketID) (MarketInfo, error) {
	var (
		detail MarketDetail
		book   OrderBookSnapshot
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		d, err := s.Detail(groupCtx, market)
		if err != nil {
			return err
		}
		detail = d
		return nil
	})

	group.Go(func() error {
		b, err := s.ref.OrderBook(groupCtx, market, 1)
		if err != nil {
			return fmt.Errorf("exchange: 获取市场 %d 盘口失败: %w", market, err)
		}
		book = b
		return nil
	})

	if err := group.Wait(); err != nil {
		return MarketInfo{}, err
	}

	quote, ok := book.Top()
	if !ok {
		return MarketInfo{}, fmt.Errorf("exchange: 市场 %d: %w", market, ErrBookUnavailable)
	}

	info := MarketInfo{MarketDetail: detail, Quote: quote}
	s.logger.Debug("市场参考数据获取完成",
		zap.Int("market", int(market)),
		zap.String("symbol", info.Symbol),
		zap.Float64("bid", info.Bid),
		zap.Float64("ask", info.Ask),
		zap.Int("max_leverage", info.MaxLeverage),
	)
	return info, nil
}

// Detail 返回单个市场的静态参数。
func (s *MarketDataService) Detail(ctx context.Context, market MarketID) (MarketDetail, error) {
	details, err := s.ref.Markets(ctx)
	if err != nil {
		return MarketDetail{}, fmt.Errorf("exchange: 获取市场列表失败: %w", err)
	}
	for _, d := range details {
		if d.ID == market {
			return d, nil
		}
	}
	return MarketDetail{}, fmt.Errorf("exchange: 市场 %d: %w", market, ErrMarketNotFound)
}

// Quote 返回当前最优买卖价。
func (s *MarketDataService) Quote(ctx context.Context, market MarketID) (Quote, error) {
	book, err := s.ref.OrderBook(ctx, market, 1)
	if err != nil {
		return Quote{}, fmt.Errorf("exchange: 获取市场 %d 盘口失败: %w", market, err)
	}
	quote, ok := book.Top()
	if !ok {
		return Quote{}, fmt.Errorf("exchange: 市场 %d: %w", market, ErrBookUnavailable)
	}
	return quote, nil
}

// Survey 统计全部市场的最大杠杆、价差与前 depth 档流动性，按流动性降序排列。
// 单个市场盘口获取失败不影响其他市场。
func (s *MarketDataService) Survey(ctx context.Context, depth int) ([]MarketSurvey, error) {
	details, err := s.ref.Markets(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange: 获取市场列表失败: %w", err)
	}

	surveys := make([]MarketSurvey, len(details))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)

	for i, detail := range details {
		group.Go(func() error {
			surveys[i] = MarketSurvey{MarketDetail: detail}
			book, err := s.ref.OrderBook(groupCtx, detail.ID, depth)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				s.logger.Warn("获取盘口失败", zap.Int("market", int(detail.ID)), zap.Error(err))
				return nil
			}
			if quote, ok := book.Top(); ok {
				surveys[i].Quote = quote
			}
			surveys[i].BidLiquidity = Notional(book.Bids, depth)
			surveys[i].AskLiquidity = Notional(book.Asks, depth)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(surveys, func(i, j int) bool {
		return surveys[i].TotalLiquidity() > surveys[j].TotalLiquidity()
	})
	return surveys, nil
}
