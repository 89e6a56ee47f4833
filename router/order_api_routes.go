package router

import (
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"petstudio/internal/middleware"
	"petstudio/internal/order"
)

const maxPhotoBytes = 20 << 20

func setOrderAPIRoutes(r gin.IRoutes, opts Options) {
	r.POST("/orders", orderCreateHandler(opts))
	r.GET("/orders/:orderNumber", orderGetHandler(opts))
	r.POST("/orders/:orderNumber/pay", orderPayHandler(opts))
	r.POST("/orders/:orderNumber/confirm", orderConfirmHandler(opts))
	r.POST("/orders/:orderNumber/cancel", orderCancelHandler(opts))
	r.POST("/orders/:orderNumber/photos", middleware.GinMaxBytes(opts.UploadMaxBodyBytes), orderPhotosHandler(opts))
	r.DELETE("/orders/:orderNumber", orderDeleteHandler(opts))
}

func orderCreateHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in order.CreateInput
		if err := c.ShouldBindJSON(&in); err != nil {
			respondInvalid(c, "无效的参数")
			return
		}
		in.ClientIP = c.ClientIP()

		res, err := opts.Orders.Create(c.Request.Context(), in)
		if err != nil {
			respondError(c, err)
			return
		}
		out := gin.H{
			"success":        true,
			"message":        "订单创建成功",
			"orderId":        res.Order.OrderNumber,
			"orderId_db":     res.Order.ID,
			"status":         string(res.Order.Status),
			"originalAmount": money(res.Order.OriginalAmount),
			"discountAmount": money(res.Order.DiscountAmount),
			"finalAmount":    money(res.Order.Price),
			"isZeroPayment":  res.IsZeroPayment,
		}
		if res.Payment != nil {
			out["payment"] = res.Payment
		}
		if res.PaymentError != "" {
			out["paymentError"] = res.PaymentError
		}
		c.JSON(http.StatusOK, out)
	}
}

func orderGetHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		openid := strings.TrimSpace(c.Query("openid"))
		if openid == "" {
			respondInvalid(c, "缺少 openid")
			return
		}
		v, err := opts.Orders.Get(c.Request.Context(), c.Param("orderNumber"), openid)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, v)
	}
}

type openidBody struct {
	OpenID string `json:"openid"`
	Reason string `json:"reason"`
}

func bindOpenID(c *gin.Context) (openidBody, bool) {
	var req openidBody
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.OpenID) == "" {
		respondInvalid(c, "缺少 openid")
		return openidBody{}, false
	}
	return req, true
}

func orderPayHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindOpenID(c)
		if !ok {
			return
		}
		params, err := opts.Orders.Pay(c.Request.Context(), c.Param("orderNumber"), req.OpenID, c.ClientIP())
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, params)
	}
}

func orderConfirmHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindOpenID(c)
		if !ok {
			return
		}
		o, err := opts.Orders.Confirm(c.Request.Context(), c.Param("orderNumber"), req.OpenID)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"orderId": o.OrderNumber, "status": string(o.Status)})
	}
}

func orderCancelHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindOpenID(c)
		if !ok {
			return
		}
		o, err := opts.Orders.Cancel(c.Request.Context(), c.Param("orderNumber"), req.OpenID, "customer", req.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"orderId": o.OrderNumber, "status": string(o.Status)})
	}
}

func orderDeleteHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		openid := strings.TrimSpace(c.Query("openid"))
		if openid == "" {
			respondInvalid(c, "缺少 openid")
			return
		}
		if err := opts.Orders.Delete(c.Request.Context(), c.Param("orderNumber"), openid); err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, nil)
	}
}

// orderPhotosHandler 小程序补传照片：订单须已支付。
func orderPhotosHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		photos, ok := readPhotos(c)
		if !ok {
			return
		}
		res, err := opts.Orders.Upload(c.Request.Context(), order.UploadInput{
			OrderNumber: c.Param("orderNumber"),
			OpenID:      c.PostForm("openid"),
			Photos:      photos,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{
			"orderId": res.Order.OrderNumber,
			"status":  string(res.Order.Status),
			"photos":  res.Photos,
			"queued":  res.Queued,
		})
	}
}

// readPhotos 读取 multipart 表单中的 photos 字段（可多张）。
func readPhotos(c *gin.Context) ([]order.Photo, bool) {
	form, err := c.MultipartForm()
	if err != nil {
		respondInvalid(c, "请使用 multipart/form-data 上传照片")
		return nil, false
	}
	files := form.File["photos"]
	if len(files) == 0 {
		respondInvalid(c, "没有上传照片")
		return nil, false
	}
	out := make([]order.Photo, 0, len(files))
	for _, fh := range files {
		data, err := readPart(fh)
		if err != nil {
			respondInvalid(c, "读取照片失败："+fh.Filename)
			return nil, false
		}
		out = append(out, order.Photo{Name: fh.Filename, Data: data})
	}
	return out, true
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxPhotoBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxPhotoBytes {
		return nil, io.ErrShortBuffer
	}
	return data, nil
}
