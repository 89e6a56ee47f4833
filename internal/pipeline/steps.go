package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"petstudio/internal/aiprovider"
	"petstudio/internal/imaging"
	"petstudio/internal/orderstate"
	"petstudio/internal/printer"
	"petstudio/internal/store"
)

// generate：可选美颜后启动 AI 生成。订单不在 shooting 时视为已处理。
func (p *Pipeline) generate(ctx context.Context, orderID int64) error {
	o, err := p.st.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != orderstate.Shooting {
		slog.Debug("订单不在待生成状态，跳过", "order_id", o.ID, "status", o.Status)
		return nil
	}
	if strings.TrimSpace(o.OriginalImage) == "" {
		return errors.New("订单没有原图")
	}

	input := o.OriginalImage
	if retouched := p.retouch(ctx, o); retouched != "" && p.opts.PreferRetouched {
		input = retouched
	}
	if p.gen == nil {
		return errors.New("未配置 AI 生成器")
	}
	if _, err := p.gen.Start(ctx, o.ID, input); err != nil {
		if errors.Is(err, store.ErrActiveTaskExists) {
			return nil
		}
		return err
	}
	return nil
}

// retouch 对人像风格做美颜，返回美颜图文件名；失败只记日志，后续使用原图。
func (p *Pipeline) retouch(ctx context.Context, o store.Order) string {
	if p.opts.RetouchProviderID <= 0 || o.StyleCategoryID == nil {
		return ""
	}
	if o.RetouchedImage != "" && p.media.Folders().Exists(imaging.KindUpload, o.RetouchedImage) {
		return o.RetouchedImage
	}
	style, err := p.st.GetStyleCategory(ctx, *o.StyleCategoryID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Warn("读取风格失败，跳过美颜", "order_id", o.ID, "err", err)
		}
		return ""
	}
	if !style.IsPortrait {
		return ""
	}
	in, err := p.media.Input(ctx, o.OriginalImage)
	if err != nil {
		slog.Warn("读取原图失败，跳过美颜", "order_id", o.ID, "err", err)
		return ""
	}
	raw, err := p.callSync(ctx, p.opts.RetouchProviderID, ToolTemplateRetouch, p.opts.RetouchPrompt, in)
	if err != nil {
		slog.Warn("美颜失败，使用原图", "order_id", o.ID, "err", err)
		return ""
	}
	name, err := p.media.SaveRetouched(raw, o.OrderNumber)
	if err != nil {
		slog.Warn("保存美颜图失败，使用原图", "order_id", o.ID, "err", err)
		return ""
	}
	if err := p.st.SetOrderRetouched(ctx, o.ID, name); err != nil {
		slog.Warn("记录美颜图失败", "order_id", o.ID, "err", err)
		return ""
	}
	slog.Info("美颜完成", "order_id", o.ID, "retouched", name)
	return name
}

// AfterGenerated 是 AI 生成成功后的回调：满足自动确认条件时确认订单并提交生产。
func (p *Pipeline) AfterGenerated(ctx context.Context, orderID int64) {
	if !p.autoConfirm(ctx, orderID) {
		return
	}
	if _, err := p.Enqueue(orderID, JobProduce); err != nil {
		slog.Warn("提交生产任务失败", "order_id", orderID, "err", err)
	}
}

// autoConfirm 确认满足自动确认条件的 pending 订单。未支付的订单留在 pending，
// 支付回调到达后由 JobConfirm 再次尝试。
func (p *Pipeline) autoConfirm(ctx context.Context, orderID int64) bool {
	o, err := p.st.GetOrderByID(ctx, orderID)
	if err != nil {
		slog.Error("读取订单失败", "order_id", orderID, "err", err)
		return false
	}
	if o.Status != orderstate.Pending {
		return false
	}
	if !p.opts.AutoConfirm && o.NeedConfirmation {
		return false
	}
	if !o.Paid() {
		slog.Info("订单尚未支付，暂不确认", "order_id", orderID, "order_number", o.OrderNumber)
		return false
	}
	if _, err := p.st.ConfirmOrder(ctx, orderID); err != nil {
		slog.Error("自动确认订单失败", "order_id", orderID, "err", err)
		return false
	}
	slog.Info("订单已自动确认", "order_id", orderID, "order_number", o.OrderNumber)
	return true
}

// produce：确认后的订单生成高清图并派发打印；没有打印尺寸的电子版订单直接完成。
func (p *Pipeline) produce(ctx context.Context, orderID int64) error {
	o, err := p.st.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	switch o.Status {
	case orderstate.Manufacturing, orderstate.Completed:
		if !o.PrintWidthCM.Valid || !o.PrintHeightCM.Valid {
			if o.Status == orderstate.Manufacturing {
				if err := p.st.CompleteDigitalOrder(ctx, o.ID); err != nil {
					return err
				}
				slog.Info("电子版订单已完成", "order_id", o.ID)
			}
			return nil
		}
		hd := o.HDImage
		if !p.media.Folders().Exists(imaging.KindHD, hd) {
			if hd, err = p.makeHD(ctx, o); err != nil {
				return err
			}
		}
		if o, err = p.st.SetOrderHD(ctx, o.ID, hd); err != nil {
			return err
		}
		slog.Info("高清图已生成", "order_id", o.ID, "hd_image", hd)
	case orderstate.HDReady:
	default:
		slog.Debug("订单不在生产阶段，跳过", "order_id", o.ID, "status", o.Status)
		return nil
	}
	return p.dispatchPrint(ctx, o.ID)
}

// makeHD 优先调用放大服务商，失败或未配置时本地放大；结果统一缩放到打印像素。
func (p *Pipeline) makeHD(ctx context.Context, o store.Order) (string, error) {
	if strings.TrimSpace(o.FinalImageClean) == "" {
		return "", store.ErrArtifactsMissing
	}
	if p.opts.UpscaleProviderID > 0 {
		name, err := p.upscale(ctx, o)
		if err == nil {
			return name, nil
		}
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		slog.Warn("放大服务失败，改用本地放大", "order_id", o.ID, "err", err)
	}
	name, _, _, err := p.media.SaveHD(o, p.opts.DPI)
	return name, err
}

func (p *Pipeline) upscale(ctx context.Context, o store.Order) (string, error) {
	w, h, err := imaging.PrintPixels(o.PrintWidthCM.Decimal, o.PrintHeightCM.Decimal, p.opts.DPI)
	if err != nil {
		return "", err
	}
	raw, err := p.media.Folders().Read(imaging.KindFinal, o.FinalImageClean)
	if err != nil {
		return "", err
	}
	in := aiprovider.Input{
		ImageURL:  p.media.URL(imaging.KindFinal, o.FinalImageClean),
		Image:     raw,
		ImageName: path.Base(o.FinalImageClean),
	}
	out, err := p.callSync(ctx, p.opts.UpscaleProviderID, ToolTemplateUpscale, p.opts.UpscalePrompt, in)
	if err != nil {
		return "", err
	}
	sized, err := imaging.ResizeForPrint(out, w, h)
	if err != nil {
		return "", err
	}
	return p.media.WriteHD(o, sized)
}

// dispatchPrint 把 hd_ready 订单推送到冲印系统；未配置冲印系统时停在 hd_ready。
func (p *Pipeline) dispatchPrint(ctx context.Context, orderID int64) error {
	if !p.printer.Enabled() {
		slog.Info("未配置冲印系统，订单停在 hd_ready", "order_id", orderID)
		return nil
	}
	o, err := p.st.BeginDispatch(ctx, orderID)
	if err != nil {
		if errors.Is(err, orderstate.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	job := printer.Job{Order: o, HDName: path.Base(o.HDImage), HDURL: p.media.URL(imaging.KindHD, o.HDImage)}
	if o.PrintWidthCM.Valid && o.PrintHeightCM.Valid {
		job.PixWidth, job.PixHeight, _ = imaging.PrintPixels(o.PrintWidthCM.Decimal, o.PrintHeightCM.Decimal, p.printer.DPI())
	}
	if o.FranchiseeID != nil {
		if f, err := p.st.GetFranchiseeByID(ctx, *o.FranchiseeID); err == nil {
			job.Franchisee = &f
		} else {
			slog.Warn("读取加盟商失败，使用默认影楼配置", "order_id", o.ID, "err", err)
		}
	}

	res, err := p.printer.Dispatch(ctx, job)
	if err != nil {
		res = printer.Result{Success: false, Message: "派发失败: " + err.Error()}
	}
	// 派发结果与调用方的取消无关，使用独立的 context 落库。
	if ferr := p.st.FinishDispatch(context.WithoutCancel(ctx), o.ID, res.Success, res.Message); ferr != nil {
		return fmt.Errorf("记录派发结果失败: %w", ferr)
	}
	if p.metrics != nil {
		result := "success"
		if !res.Success {
			result = "failed"
		}
		p.metrics.PrintDispatch.WithLabelValues(result).Inc()
	}
	if !res.Success {
		slog.Warn("打印派发失败", "order_id", o.ID, "order_number", o.OrderNumber, "message", res.Message)
		return nil
	}
	slog.Info("订单已派发打印", "order_id", o.ID, "order_number", o.OrderNumber)
	return nil
}

// 美颜、放大使用的工具模板名称。
const (
	ToolTemplateRetouch = "retouch"
	ToolTemplateUpscale = "upscale"
)

// callSync 调用同步服务商（美颜、放大），返回图片字节。
//
// 请求按服务商下名为 tool 的工具模板构建；服务商没有配置该模板时退回只带配置提示词的空模板。
func (p *Pipeline) callSync(ctx context.Context, providerID int64, tool string, prompt string, in aiprovider.Input) ([]byte, error) {
	prov, err := p.st.GetProvider(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("读取服务商 %d 失败: %w", providerID, err)
	}
	adapter, err := aiprovider.For(prov.APIType)
	if err != nil {
		return nil, err
	}
	if adapter.Async() {
		return nil, fmt.Errorf("服务商 %d（%s）不是同步接口", providerID, prov.APIType)
	}
	tpl, err := p.st.FindToolTemplate(ctx, prov.ID, tool)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		slog.Debug("服务商未配置工具模板，使用默认提示词", "provider_id", prov.ID, "template", tool)
		tpl = store.APITemplate{Name: tool, ProviderID: prov.ID}
	case err != nil:
		return nil, err
	}
	if tpl.Prompt == "" {
		tpl.Prompt = prompt
	}
	in.Prompt = tpl.Prompt
	in.AspectRatio = tpl.AspectRatio
	req, err := adapter.BuildDraw(prov, tpl, in)
	if err != nil {
		return nil, err
	}
	req.Timeout = p.opts.DrawTimeout
	resp, err := p.exec.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	dr, err := adapter.ParseDraw(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(dr.ImageData) > 0 {
		return dr.ImageData, nil
	}
	if dr.ImageURL == "" {
		return nil, errors.New("服务商未返回图片")
	}
	return p.exec.Fetch(ctx, dr.ImageURL, p.opts.FetchTimeout)
}
