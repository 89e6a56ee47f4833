package router

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"petstudio/internal/aiprovider"
	"petstudio/internal/apperr"
	"petstudio/internal/store"
)

// setAdminCatalogRoutes 维护 AI 服务商、模板、风格与产品规格。
func setAdminCatalogRoutes(r gin.IRoutes, opts Options, admin gin.HandlerFunc) {
	r.GET("/admin/providers", admin, adminProviderListHandler(opts))
	r.POST("/admin/providers", admin, adminProviderSaveHandler(opts, false))
	r.PUT("/admin/providers/:id", admin, adminProviderSaveHandler(opts, true))
	r.POST("/admin/templates", admin, adminTemplateCreateHandler(opts))
	r.POST("/admin/style-categories", admin, adminStyleCategoryCreateHandler(opts))
	r.POST("/admin/style-images", admin, adminStyleImageCreateHandler(opts))
	r.POST("/admin/products", admin, adminProductCreateHandler(opts))
	r.POST("/admin/products/:id/sizes", admin, adminProductSizeCreateHandler(opts))
}

type providerRequest struct {
	Name           string `json:"name"`
	APIType        string `json:"apiType"`
	DomesticHost   string `json:"domesticHost"`
	OverseasHost   string `json:"overseasHost"`
	UseOverseas    bool   `json:"useOverseas"`
	DrawEndpoint   string `json:"drawEndpoint"`
	ResultEndpoint string `json:"resultEndpoint"`
	UploadEndpoint string `json:"uploadEndpoint"`
	APIKey         string `json:"apiKey"`
	IsSync         bool   `json:"isSync"`
	RetryEnabled   bool   `json:"retryEnabled"`
	Priority       int    `json:"priority"`
	IsActive       *bool  `json:"isActive"`
}

type providerView struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	APIType        string `json:"apiType"`
	DomesticHost   string `json:"domesticHost"`
	OverseasHost   string `json:"overseasHost"`
	UseOverseas    bool   `json:"useOverseas"`
	DrawEndpoint   string `json:"drawEndpoint"`
	ResultEndpoint string `json:"resultEndpoint"`
	APIKeyHint     string `json:"apiKeyHint"`
	IsSync         bool   `json:"isSync"`
	RetryEnabled   bool   `json:"retryEnabled"`
	Priority       int    `json:"priority"`
	IsActive       bool   `json:"isActive"`
}

// maskKey 只保留末四位。
func maskKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func toProviderView(p store.APIProviderConfig) providerView {
	return providerView{
		ID:             p.ID,
		Name:           p.Name,
		APIType:        p.APIType,
		DomesticHost:   p.DomesticHost,
		OverseasHost:   p.OverseasHost,
		UseOverseas:    p.UseOverseas,
		DrawEndpoint:   p.DrawEndpoint,
		ResultEndpoint: p.ResultEndpoint,
		APIKeyHint:     maskKey(p.APIKey),
		IsSync:         p.IsSync,
		RetryEnabled:   p.RetryEnabled,
		Priority:       p.Priority,
		IsActive:       p.IsActive,
	}
}

func adminProviderListHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := opts.Store.ListProviders(c.Request.Context(), c.Query("active") == "1")
		if err != nil {
			respondError(c, apperr.Internal("查询服务商失败", err))
			return
		}
		out := make([]providerView, 0, len(list))
		for _, p := range list {
			out = append(out, toProviderView(p))
		}
		respondOK(c, out)
	}
}

// adminProviderSaveHandler 创建或整体更新服务商；更新时 apiKey 为空表示沿用原值。
func adminProviderSaveHandler(opts Options, update bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req providerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalid(c, "无效的参数")
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			respondInvalid(c, "服务商名称不能为空")
			return
		}
		if _, err := aiprovider.For(req.APIType); err != nil {
			respondInvalid(c, "不支持的服务商类型："+req.APIType)
			return
		}
		if strings.TrimSpace(req.DomesticHost) == "" && strings.TrimSpace(req.OverseasHost) == "" {
			respondInvalid(c, "至少需要配置一个服务地址")
			return
		}

		p := store.APIProviderConfig{
			Name:           req.Name,
			APIType:        strings.ToLower(strings.TrimSpace(req.APIType)),
			DomesticHost:   req.DomesticHost,
			OverseasHost:   req.OverseasHost,
			UseOverseas:    req.UseOverseas,
			DrawEndpoint:   strings.TrimSpace(req.DrawEndpoint),
			ResultEndpoint: strings.TrimSpace(req.ResultEndpoint),
			UploadEndpoint: strings.TrimSpace(req.UploadEndpoint),
			APIKey:         strings.TrimSpace(req.APIKey),
			IsSync:         req.IsSync,
			RetryEnabled:   req.RetryEnabled,
			Priority:       req.Priority,
			IsActive:       req.IsActive == nil || *req.IsActive,
		}
		ctx := c.Request.Context()

		if !update {
			id, err := opts.Store.CreateProvider(ctx, p)
			if err != nil {
				respondError(c, apperr.Internal("创建服务商失败", err))
				return
			}
			p.ID = id
			respondOK(c, toProviderView(p))
			return
		}

		id, ok := paramInt64(c, "id")
		if !ok {
			respondInvalid(c, "服务商 id 无效")
			return
		}
		old, err := opts.Store.GetProvider(ctx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				respondError(c, apperr.NotFound("服务商不存在"))
				return
			}
			respondError(c, apperr.Internal("查询服务商失败", err))
			return
		}
		p.ID = id
		if p.APIKey == "" {
			p.APIKey = old.APIKey
		}
		if err := opts.Store.UpdateProvider(ctx, p); err != nil {
			respondError(c, apperr.Internal("更新服务商失败", err))
			return
		}
		respondOK(c, toProviderView(p))
	}
}

func adminTemplateCreateHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name                string `json:"name"`
			ProviderID          int64  `json:"providerId"`
			StyleCategoryID     *int64 `json:"styleCategoryId"`
			StyleImageID        *int64 `json:"styleImageId"`
			RequestBodyTemplate string `json:"requestBodyTemplate"`
			Prompt              string `json:"prompt"`
			AspectRatio         string `json:"aspectRatio"`
			WorkflowID          string `json:"workflowId"`
			NodeMapping         string `json:"nodeMapping"`
			EstimatedSeconds    int    `json:"estimatedSeconds"`
			Priority            int    `json:"priority"`
			IsActive            *bool  `json:"isActive"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalid(c, "无效的参数")
			return
		}
		if req.StyleCategoryID == nil && req.StyleImageID == nil {
			respondInvalid(c, "模板必须绑定风格分类或风格图片")
			return
		}
		if s := strings.TrimSpace(req.RequestBodyTemplate); s != "" && !gjson.Valid(s) {
			respondInvalid(c, "请求体模板不是合法的 JSON")
			return
		}
		if s := strings.TrimSpace(req.NodeMapping); s != "" && (!gjson.Valid(s) || !gjson.Parse(s).IsArray()) {
			respondInvalid(c, "节点映射必须是 JSON 数组")
			return
		}
		ctx := c.Request.Context()
		if _, err := opts.Store.GetProvider(ctx, req.ProviderID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				respondError(c, apperr.NotFound("服务商不存在"))
				return
			}
			respondError(c, apperr.Internal("查询服务商失败", err))
			return
		}
		id, err := opts.Store.CreateTemplate(ctx, store.APITemplate{
			Name:                strings.TrimSpace(req.Name),
			ProviderID:          req.ProviderID,
			StyleCategoryID:     req.StyleCategoryID,
			StyleImageID:        req.StyleImageID,
			RequestBodyTemplate: strings.TrimSpace(req.RequestBodyTemplate),
			Prompt:              req.Prompt,
			AspectRatio:         strings.TrimSpace(req.AspectRatio),
			WorkflowID:          strings.TrimSpace(req.WorkflowID),
			NodeMapping:         strings.TrimSpace(req.NodeMapping),
			EstimatedSeconds:    req.EstimatedSeconds,
			Priority:            req.Priority,
			IsActive:            req.IsActive == nil || *req.IsActive,
		})
		if err != nil {
			respondError(c, apperr.Internal("创建模板失败", err))
			return
		}
		respondOK(c, gin.H{"id": id})
	}
}

func adminStyleCategoryCreateHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name           string `json:"name"`
			Code           string `json:"code"`
			IsPortrait     bool   `json:"isPortrait"`
			WatermarkText  string `json:"watermarkText"`
			WatermarkAsset string `json:"watermarkAsset"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
			respondInvalid(c, "风格分类名称不能为空")
			return
		}
		id, err := opts.Store.CreateStyleCategory(c.Request.Context(), store.StyleCategory{
			Name:           req.Name,
			Code:           strings.TrimSpace(req.Code),
			IsPortrait:     req.IsPortrait,
			WatermarkText:  strings.TrimSpace(req.WatermarkText),
			WatermarkAsset: strings.TrimSpace(req.WatermarkAsset),
			IsActive:       true,
		})
		if err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				respondInvalid(c, "风格分类已存在")
				return
			}
			respondError(c, apperr.Internal("创建风格分类失败", err))
			return
		}
		respondOK(c, gin.H{"id": id})
	}
}

func adminStyleImageCreateHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			CategoryID int64  `json:"categoryId"`
			Name       string `json:"name"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.CategoryID <= 0 || strings.TrimSpace(req.Name) == "" {
			respondInvalid(c, "风格图片必须有分类与名称")
			return
		}
		ctx := c.Request.Context()
		if _, err := opts.Store.GetStyleCategory(ctx, req.CategoryID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				respondError(c, apperr.NotFound("风格分类不存在"))
				return
			}
			respondError(c, apperr.Internal("查询风格分类失败", err))
			return
		}
		id, err := opts.Store.CreateStyleImage(ctx, store.StyleImage{CategoryID: req.CategoryID, Name: req.Name, IsActive: true})
		if err != nil {
			respondError(c, apperr.Internal("创建风格图片失败", err))
			return
		}
		img, err := opts.Store.GetStyleImage(ctx, id)
		if err != nil {
			respondError(c, apperr.Internal("读取风格图片失败", err))
			return
		}
		respondOK(c, gin.H{"id": img.ID, "categoryId": img.CategoryID, "name": img.Name})
	}
}

func adminProductCreateHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Code string `json:"code"`
			Name string `json:"name"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Code) == "" || strings.TrimSpace(req.Name) == "" {
			respondInvalid(c, "产品编码与名称不能为空")
			return
		}
		id, err := opts.Store.CreateProduct(c.Request.Context(), req.Code, req.Name)
		if err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				respondInvalid(c, "产品编码已存在")
				return
			}
			respondError(c, apperr.Internal("创建产品失败", err))
			return
		}
		respondOK(c, gin.H{"id": id})
	}
}

func parseCM(raw string) (decimal.NullDecimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !d.IsPositive() {
		return decimal.NullDecimal{}, errors.New("打印尺寸必须为正数")
	}
	return decimal.NewNullDecimal(d), nil
}

func adminProductSizeCreateHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		productID, ok := paramInt64(c, "id")
		if !ok {
			respondInvalid(c, "产品 id 无效")
			return
		}
		var req struct {
			SizeCode         string `json:"sizeCode"`
			SizeName         string `json:"sizeName"`
			Price            string `json:"price"`
			PrintWidthCM     string `json:"printWidthCm"`
			PrintHeightCM    string `json:"printHeightCm"`
			PrinterProductID string `json:"printerProductId"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SizeCode) == "" {
			respondInvalid(c, "规格编码不能为空")
			return
		}
		price, err := parseAmount(req.Price)
		if err != nil {
			respondInvalid(c, err.Error())
			return
		}
		w, err := parseCM(req.PrintWidthCM)
		if err != nil {
			respondInvalid(c, err.Error())
			return
		}
		h, err := parseCM(req.PrintHeightCM)
		if err != nil {
			respondInvalid(c, err.Error())
			return
		}
		id, err := opts.Store.CreateProductSize(c.Request.Context(), store.ProductSize{
			ProductID:        productID,
			SizeCode:         req.SizeCode,
			SizeName:         strings.TrimSpace(req.SizeName),
			Price:            price,
			PrintWidthCM:     w,
			PrintHeightCM:    h,
			PrinterProductID: strings.TrimSpace(req.PrinterProductID),
		})
		if err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				respondInvalid(c, "规格已存在")
				return
			}
			respondError(c, apperr.Internal("创建产品规格失败", err))
			return
		}
		respondOK(c, gin.H{"id": id, "productId": productID, "price": money(price)})
	}
}
