package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/urmzd/licd/pkg/device"
)

func (s *Server) handleGetHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	controllerStatus := "disconnected"
	if s.controller.IsConnected() {
		controllerStatus = "connected"
	}

	status := "healthy"
	if controllerStatus != "connected" {
		status = "unhealthy"
	}

	out := GetHealthOutput{
		Status:     status,
		Controller: controllerStatus,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if st, err := s.controller.Status(ctx); err == nil {
		out.Registered = st.Registered
		out.Capacity = st.Capacity
	}

	return mcp.NewToolResultText(formatJSON(out)), nil
}

func (s *Server) handleListDevices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices, err := s.controller.ListDevices(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list devices: %s", err)), nil
	}

	infos := make([]DeviceInfo, 0, len(devices))
	for i := range devices {
		infos = append(infos, DeviceToInfo(&devices[i]))
	}

	out := ListDevicesOutput{
		Devices: infos,
		Count:   len(infos),
	}

	return mcp.NewToolResultText(formatJSON(out)), nil
}

func (s *Server) handleGetDevice(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requiredString(request, "id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	d, err := s.controller.GetDevice(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("device not found: %s", err)), nil
	}

	out := GetDeviceOutput{Device: DeviceToInfo(d)}
	return mcp.NewToolResultText(formatJSON(out)), nil
}

func (s *Server) handlePollBus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.controller.Poll(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("poll failed: %s", err)), nil
	}

	out := PollBusOutput{
		Outcome:  string(res.Outcome),
		Attempts: res.Attempts,
		Rejoined: res.Rejoined,
		Reason:   res.Reason,
	}
	if res.Command != 0 {
		out.Command = res.Command.String()
	}
	if res.Identity != nil {
		info := DeviceToInfo(&device.Device{
			ID:      device.FormatID(res.Identity.UUID),
			Address: res.Address,
			UUID:    res.Identity.UUID,
			Flags:   res.Identity.Flags,
		})
		if res.Outcome != device.OutcomeAssigned {
			info.Address = ""
		}
		out.Device = &info
	}

	return mcp.NewToolResultText(formatJSON(out)), nil
}

func (s *Server) handleListRegistrations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := 0
	if v, ok := request.GetArguments()["limit"]; ok && v != nil {
		f, ok := v.(float64)
		if !ok || f < 1 {
			return mcp.NewToolResultError(`parameter "limit" must be a positive number`), nil
		}
		limit = int(f)
	}

	regs, err := s.history.List(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list registrations: %s", err)), nil
	}

	entries := make([]RegistrationInfo, 0, len(regs))
	for _, r := range regs {
		entries = append(entries, RegistrationToInfo(r))
	}

	out := ListRegistrationsOutput{
		Registrations: entries,
		Count:         len(entries),
	}
	return mcp.NewToolResultText(formatJSON(out)), nil
}

// --- helpers ---

func requiredString(request mcp.CallToolRequest, key string) (string, error) {
	args := request.GetArguments()
	v, ok := args[key]
	if !ok || v == nil {
		return "", fmt.Errorf("required parameter %q is missing", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", key)
	}
	return s, nil
}

func formatJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal response: %s"}`, err)
	}
	return string(b)
}
