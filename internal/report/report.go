// Package report 把一次回测的资金曲线渲染成 go-echarts 报表页，
// 可选用 headless 浏览器截成 PNG。
package report

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"backplay/internal/backtest"
	"backplay/internal/logger"
)

const (
	chartWidth  = "1400px"
	chartHeight = "420px"

	colorEquity   = "#3b82f6"
	colorBalance  = "#34d399"
	colorDrawdown = "#f87171"

	pngWidthPx  = 1440
	pngHeightPx = 980
)

// Reporter 把 run 结果写成 HTML（及可选 PNG）报表。
type Reporter struct {
	dir string
	png bool
}

// New 创建报表生成器。dir 不存在时会创建。
func New(dir string, png bool) (*Reporter, error) {
	if dir == "" {
		return nil, fmt.Errorf("report: 输出目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Reporter{dir: dir, png: png}, nil
}

// Write 渲染一次 run 的报表，返回 HTML 路径（PNG 开启时一并返回 PNG 路径）。
func (r *Reporter) Write(ctx context.Context, run backtest.Run, equity []backtest.EquityPoint) (string, string, error) {
	if len(equity) == 0 {
		return "", "", fmt.Errorf("report: run %s 没有资金曲线数据", run.ID)
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.PageTitle = fmt.Sprintf("%s %s", run.Play, run.Symbol)
	page.AddCharts(equityChart(run, equity), drawdownChart(equity))

	htmlPath := filepath.Join(r.dir, run.ID+".html")
	f, err := os.Create(htmlPath)
	if err != nil {
		return "", "", err
	}
	if err := page.Render(f); err != nil {
		f.Close()
		return "", "", fmt.Errorf("report: 渲染 %s 失败: %w", htmlPath, err)
	}
	if err := f.Close(); err != nil {
		return "", "", err
	}
	if !r.png {
		return htmlPath, "", nil
	}
	pngPath := filepath.Join(r.dir, run.ID+".png")
	if err := snapshotPNG(ctx, htmlPath, pngPath); err != nil {
		// 没有可用浏览器时降级成只有 HTML
		logger.Warnf("[report] PNG 截图失败，保留 HTML: %v", err)
		return htmlPath, "", nil
	}
	return htmlPath, pngPath, nil
}

func equityChart(run backtest.Run, equity []backtest.EquityPoint) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:  types.ThemeWesteros,
			Width:  chartWidth,
			Height: chartHeight,
		}),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("%s %s 资金曲线", run.Play, run.Symbol),
			Subtitle: fmt.Sprintf("收益 %.2f (%.2f%%)  胜率 %.1f%%  最大回撤 %.1f%%",
				run.Profit, run.ReturnPct*100, run.WinRate*100, run.MaxDrawdownPct*100),
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
	)
	line.SetXAxis(timeAxis(equity))
	line.AddSeries("权益", lineData(equity, func(p backtest.EquityPoint) float64 { return p.Equity }),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}))
	line.AddSeries("余额", lineData(equity, func(p backtest.EquityPoint) float64 { return p.Balance }),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorBalance, Width: 1}))
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	return line
}

func drawdownChart(equity []backtest.EquityPoint) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:  types.ThemeWesteros,
			Width:  chartWidth,
			Height: chartHeight,
		}),
		charts.WithTitleOpts(opts.Title{Title: "回撤"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	line.SetXAxis(timeAxis(equity))
	line.AddSeries("回撤", lineData(equity, func(p backtest.EquityPoint) float64 { return p.Drawdown * 100 }),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown, Width: 2}))
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	return line
}

func timeAxis(equity []backtest.EquityPoint) []string {
	axis := make([]string, 0, len(equity))
	for _, p := range equity {
		axis = append(axis, time.UnixMilli(p.TS).UTC().Format("01-02 15:04"))
	}
	return axis
}

func lineData(equity []backtest.EquityPoint, pick func(backtest.EquityPoint) float64) []opts.LineData {
	data := make([]opts.LineData, 0, len(equity))
	for _, p := range equity {
		data = append(data, opts.LineData{Value: pick(p)})
	}
	return data
}

// snapshotPNG 用 chromedp 打开报表页并整页截图。
func snapshotPNG(ctx context.Context, htmlPath, pngPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	html, err := os.ReadFile(htmlPath)
	if err != nil {
		return err
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()
	timeoutCtx, cancelTimeout := context.WithTimeout(parent, 20*time.Second)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(pngWidthPx, pngHeightPx),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks); err != nil {
		return err
	}
	return os.WriteFile(pngPath, screenshot, 0o644)
}
