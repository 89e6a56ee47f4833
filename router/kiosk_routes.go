package router

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"petstudio/internal/apperr"
	"petstudio/internal/middleware"
	"petstudio/internal/order"
)

// setKioskRoutes 自拍机接口沿用设备固件里写死的路径。
func setKioskRoutes(r *gin.Engine, opts Options) {
	g := r.Group("/order", apiChain())
	g.GET("/check", kioskCheckHandler(opts))
	g.POST("/upload", middleware.GinMaxBytes(opts.UploadMaxBodyBytes), kioskUploadHandler(opts))
}

func kioskCheckHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Query("orderId")
		serial := c.Query("machineSerialNumber")
		if orderID == "" || serial == "" {
			respondInvalid(c, "缺少订单号或自拍机序列号")
			return
		}
		view, err := opts.Orders.Check(c.Request.Context(), orderID, serial)
		if err != nil {
			var ae *apperr.Error
			if errors.As(err, &ae) && ae.SubKind == "already_shot" {
				c.JSON(http.StatusBadRequest, gin.H{
					"success":    false,
					"code":       ae.Code(),
					"message":    ae.Message,
					"has_photos": true,
					"data":       view,
				})
				return
			}
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"message":    "",
			"order_id":   view.OrderID,
			"is_paid":    view.IsPaid,
			"has_photos": view.HasPhotos,
			"amount":     view.Amount,
			"photos":     view.Photos,
			"data":       view,
		})
	}
}

func kioskUploadHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.PostForm("orderId")
		serial := c.PostForm("machineSerialNumber")
		if orderID == "" || serial == "" {
			respondInvalid(c, "缺少订单号或自拍机序列号")
			return
		}
		photos, ok := readPhotos(c)
		if !ok {
			return
		}
		res, err := opts.Orders.Upload(c.Request.Context(), order.UploadInput{
			OrderNumber:   orderID,
			MachineSerial: serial,
			Kiosk:         true,
			Photos:        photos,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"message":  "照片上传成功",
			"order_id": res.Order.OrderNumber,
			"status":   string(res.Order.Status),
			"photos":   res.Photos,
			"queued":   res.Queued,
		})
	}
}
