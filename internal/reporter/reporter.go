package reporter

import (
	"binance-candle-bot-go/internal/models"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Summary 交易记录的汇总统计
type Summary struct {
	TotalTrades   int
	RunningTrades int

	WinTrades       int
	WinBelow5       int // ROI < 5%
	Win5To15        int
	Win15To20       int
	Win20To25       int
	WinAbove25      int // ROI >= 25%
	LossTrades      int
	LossStopLoss    int
	LossCandleClose int
	Breakeven       int

	ProfitTotal float64
	LossTotal   float64
	NetResult   float64
	WinRate     float64 // 已平仓交易的胜率 (%)
}

// Summarize 统计交易记录。未平仓的交易只计入 RunningTrades。
func Summarize(trades []models.TradeRecord) Summary {
	var s Summary
	for _, t := range trades {
		s.TotalTrades++
		if t.ExitTime == nil {
			s.RunningTrades++
			continue
		}
		switch {
		case t.ROIPercent > 0:
			s.WinTrades++
			switch {
			case t.ROIPercent < 5:
				s.WinBelow5++
			case t.ROIPercent < 15:
				s.Win5To15++
			case t.ROIPercent < 20:
				s.Win15To20++
			case t.ROIPercent < 25:
				s.Win20To25++
			default:
				s.WinAbove25++
			}
			s.ProfitTotal += amount(t)
		case t.ROIPercent < 0:
			s.LossTrades++
			if strings.Contains(strings.ToLower(t.CloseReason), "stop") {
				s.LossStopLoss++
			} else {
				s.LossCandleClose++
			}
			s.LossTotal += amount(t)
		default:
			s.Breakeven++
		}
	}
	s.NetResult = s.ProfitTotal - s.LossTotal
	if closed := s.TotalTrades - s.RunningTrades; closed > 0 {
		s.WinRate = float64(s.WinTrades) / float64(closed) * 100
	}
	return s
}

// amount 盈亏的绝对值，没有 pnl 时按 ROI 和保证金换算
func amount(t models.TradeRecord) float64 {
	if t.PnL != 0 {
		return math.Abs(t.PnL)
	}
	return math.Abs(t.ROIPercent) * t.MarginUsed / 100
}

// BacktestResult 回测结束时模拟交易所的状态
type BacktestResult struct {
	DataPath       string
	Symbol         string
	Timeframe      models.Timeframe
	StartTime      time.Time
	EndTime        time.Time
	InitialBalance float64
	FinalEquity    float64
	TotalFees      float64
	Fills          int
}

// WriteSummary 以表格形式输出汇总
func WriteSummary(w io.Writer, title string, s Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"指标", "数值"})
	t.AppendRows([]table.Row{
		{"总交易次数", s.TotalTrades},
		{"持仓中", s.RunningTrades},
		{"盈利次数", s.WinTrades},
		{"  ROI < 5%", s.WinBelow5},
		{"  5% ≤ ROI < 15%", s.Win5To15},
		{"  15% ≤ ROI < 20%", s.Win15To20},
		{"  20% ≤ ROI < 25%", s.Win20To25},
		{"  ROI ≥ 25%", s.WinAbove25},
		{"亏损次数", s.LossTrades},
		{"  止损", s.LossStopLoss},
		{"  K线收盘平仓", s.LossCandleClose},
		{"保本", s.Breakeven},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"胜率", fmt.Sprintf("%.2f%%", s.WinRate)},
		{"盈利总额", fmt.Sprintf("%.4f USDT", s.ProfitTotal)},
		{"亏损总额", fmt.Sprintf("%.4f USDT", s.LossTotal)},
		{"净收益", fmt.Sprintf("%.4f USDT", s.NetResult)},
	})
	t.Render()
}

// WriteTrades 逐笔列出交易记录
func WriteTrades(w io.Writer, trades []models.TradeRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Bot", "交易对", "方向", "数量", "开仓价", "平仓价", "开仓时间", "PnL", "ROI %", "原因"})
	for i, tr := range trades {
		exit, reason := "-", "持仓中"
		if tr.ExitTime != nil {
			exit = fmt.Sprintf("%.4f", tr.ExitPrice)
			reason = tr.CloseReason
		}
		t.AppendRow(table.Row{
			i + 1, tr.BotID, tr.Symbol, tr.Side,
			tr.Quantity,
			fmt.Sprintf("%.4f", tr.EntryPrice),
			exit,
			tr.EntryTime.UTC().Format("2006-01-02 15:04"),
			fmt.Sprintf("%.4f", tr.PnL),
			fmt.Sprintf("%.2f", tr.ROIPercent),
			reason,
		})
	}
	t.Render()
}

// GenerateReport 打印回测报告：账户结果、汇总统计和最大回撤
func GenerateReport(w io.Writer, result BacktestResult, trades []models.TradeRecord) {
	profit := result.FinalEquity - result.InitialBalance
	profitPct := 0.0
	if result.InitialBalance != 0 {
		profitPct = profit / result.InitialBalance * 100
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("回测结果报告")
	t.SetStyle(table.StyleLight)
	t.AppendRows([]table.Row{
		{"数据文件", result.DataPath},
		{"交易对", result.Symbol},
		{"K线周期", result.Timeframe},
		{"回测周期", fmt.Sprintf("%s 到 %s", result.StartTime.UTC().Format("2006-01-02 15:04"), result.EndTime.UTC().Format("2006-01-02 15:04"))},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"初始资金", fmt.Sprintf("%.2f USDT", result.InitialBalance)},
		{"最终权益", fmt.Sprintf("%.2f USDT", result.FinalEquity)},
		{"总利润", fmt.Sprintf("%.2f USDT", profit)},
		{"收益率", fmt.Sprintf("%.2f%%", profitPct)},
		{"手续费", fmt.Sprintf("%.4f USDT", result.TotalFees)},
		{"成交笔数", result.Fills},
		{"最大回撤", fmt.Sprintf("%.2f%%", MaxDrawdown(EquityCurve(result.InitialBalance, trades))*100)},
	})
	t.Render()

	WriteSummary(w, "交易统计", Summarize(trades))
}

// EquityCurve 按平仓时间累加已实现盈亏
func EquityCurve(initial float64, trades []models.TradeRecord) []float64 {
	closed := make([]models.TradeRecord, 0, len(trades))
	for _, t := range trades {
		if t.ExitTime != nil {
			closed = append(closed, t)
		}
	}
	sort.SliceStable(closed, func(i, j int) bool { return closed[i].ExitTime.Before(*closed[j].ExitTime) })

	curve := make([]float64, 0, len(closed)+1)
	equity := initial
	curve = append(curve, equity)
	for _, t := range closed {
		equity += t.PnL
		curve = append(curve, equity)
	}
	return curve
}

// MaxDrawdown 最大回撤，返回比例 (0.1 = 10%)
func MaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}
