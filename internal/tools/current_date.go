package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

const CurrentDateToolName = "get_current_date"

type currentDateParams struct {
	Timezone string `json:"timezone,omitempty"`
}

type CurrentDate struct {
	Date     string `json:"date"`
	Time     string `json:"time"`
	Weekday  string `json:"weekday"`
	Timezone string `json:"timezone"`
	ISO      string `json:"iso"`
	Unix     int64  `json:"unix"`
}

type currentDateTool struct {
	now func() time.Time
}

// NewCurrentDate builds the get_current_date tool.
func NewCurrentDate() tool.InvokableTool {
	return (&currentDateTool{now: time.Now}).tool()
}

func (c *currentDateTool) tool() tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: CurrentDateToolName,
		Desc: "Get the current date and time. Use it for questions about today, deadlines or relative dates.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"timezone": {
				Desc: "IANA time zone such as Europe/Moscow, defaults to UTC",
				Type: schema.String,
			},
		}),
	}
	return utils.NewTool(info, c.run)
}

func (c *currentDateTool) run(_ context.Context, params *currentDateParams) (*CurrentDate, error) {
	zone := "UTC"
	if params != nil && strings.TrimSpace(params.Timezone) != "" {
		zone = strings.TrimSpace(params.Timezone)
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", zone)
	}
	now := c.now().In(loc)
	return &CurrentDate{
		Date:     now.Format("2006-01-02"),
		Time:     now.Format("15:04:05"),
		Weekday:  now.Weekday().String(),
		Timezone: zone,
		ISO:      now.Format(time.RFC3339),
		Unix:     now.Unix(),
	}, nil
}
