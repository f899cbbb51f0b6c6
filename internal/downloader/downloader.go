package downloader

import (
	"binance-candle-bot-go/internal/models"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
)

var header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time"}

// KlineDownloader 用于从币安合约下载K线数据
type KlineDownloader struct {
	client *futures.Client
	logger *zap.Logger
	pause  time.Duration
}

// NewKlineDownloader 创建一个新的下载器实例
func NewKlineDownloader(logger *zap.Logger) *KlineDownloader {
	return &KlineDownloader{
		client: futures.NewClient("", ""), // 公共接口不需要API Key
		logger: logger,
		pause:  200 * time.Millisecond,
	}
}

// DownloadKlines 下载指定交易对、周期和时间范围内的K线数据，并保存到CSV文件。
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol string, tf models.Timeframe, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("从缓存加载数据", zap.String("file", filePath))
		return nil
	}
	if !tf.Valid() {
		return fmt.Errorf("不支持的K线周期: %s", tf)
	}

	d.logger.Info("开始下载K线数据",
		zap.String("symbol", symbol),
		zap.String("timeframe", string(tf)),
		zap.String("start", startTime.Format("2006-01-02")),
		zap.String("end", endTime.Format("2006-01-02")))

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", filepath.Dir(filePath), err)
	}

	// 先写临时文件，成功后再改名，避免中断后留下不完整的缓存
	tmpPath := filePath + ".part"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", tmpPath, err)
	}
	defer os.Remove(tmpPath)

	if err := d.download(ctx, file, symbol, tf, startTime, endTime); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return err
	}
	d.logger.Info("成功下载K线数据", zap.String("file", filePath))
	return nil
}

func (d *KlineDownloader) download(ctx context.Context, w io.Writer, symbol string, tf models.Timeframe, startTime, endTime time.Time) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}

	endMs := endTime.UnixMilli()
	for t := startTime.UnixMilli(); t < endMs; {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(string(tf)).
			StartTime(t).
			EndTime(endMs - 1).
			Limit(1000). // 币安单次请求最多1000条
			Do(ctx)
		if err != nil {
			return fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("写入CSV记录失败: %w", err)
			}
		}

		t = klines[len(klines)-1].CloseTime + 1
		d.logger.Debug("已下载数据", zap.Time("until", time.UnixMilli(t)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pause): // 避免过于频繁的请求
		}
	}

	writer.Flush()
	return writer.Error()
}

// ReadCSV 读取 DownloadKlines 生成的CSV文件
func ReadCSV(path string) ([]models.Kline, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("无法打开历史数据文件: %w", err)
	}
	defer file.Close()
	return parseCSV(file)
}

func parseCSV(r io.Reader) ([]models.Kline, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var klines []models.Kline
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取CSV失败: %w", err)
		}
		line++
		if line == 1 && record[0] == header[0] {
			continue
		}
		if len(record) < len(header) {
			return nil, fmt.Errorf("第 %d 行字段不足: %v", line, record)
		}

		k := models.Kline{}
		if k.OpenTime, err = strconv.ParseInt(record[0], 10, 64); err != nil {
			return nil, fmt.Errorf("第 %d 行 open_time 无效: %w", line, err)
		}
		if k.CloseTime, err = strconv.ParseInt(record[6], 10, 64); err != nil {
			return nil, fmt.Errorf("第 %d 行 close_time 无效: %w", line, err)
		}
		prices := []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
		for i, dst := range prices {
			if *dst, err = strconv.ParseFloat(record[i+1], 64); err != nil {
				return nil, fmt.Errorf("第 %d 行价格无效: %w", line, err)
			}
		}
		klines = append(klines, k)
	}
	if len(klines) == 0 {
		return nil, errors.New("历史数据文件为空或只有表头")
	}
	return klines, nil
}
