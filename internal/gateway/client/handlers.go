// handlers.go registers the concrete Bot API methods this gateway
// implements into the shared dispatcher.Table. Each handler recovers its
// Client from ctx (stashed by Manager.Dispatch), extracts and validates its
// arguments with the dispatcher.Args helpers, and drives the one or two
// components that own the corresponding piece of state. Grounded on the
// teacher's internal/domain/commands name->handler registration idiom,
// narrowed here to the Bot API's own method surface instead of a chat
// command grammar.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"botapigateway/internal/gateway/dispatcher"
	"botapigateway/internal/gateway/longpoll"
	"botapigateway/internal/gateway/model"
	"botapigateway/internal/gateway/payments"
	"botapigateway/internal/gateway/sendtracker"
	"botapigateway/internal/gateway/webhook"
	"botapigateway/internal/tgutil"
)

// RegisterHandlers wires every method this gateway implements into table.
// Call once per Table, after NewTable and before any Client starts serving
// traffic through it.
func RegisterHandlers(table *dispatcher.Table) {
	table.Register("getMe", handleGetMe)
	table.Register("sendMessage", handleSendMessage)
	table.Register("forwardMessage", handleForwardMessage)
	table.Register("forwardMessages", handleForwardMessages)
	table.Register("deleteMessage", handleDeleteMessage)
	table.Register("deleteMessages", handleDeleteMessages)
	table.Register("editMessageText", handleEditMessageText)
	table.Register("answerCallbackQuery", handleAnswerCallbackQuery)
	table.Register("getUpdates", handleGetUpdates)
	table.Register("setWebhook", handleSetWebhook)
	table.Register("deleteWebhook", handleDeleteWebhook)
	table.Register("getWebhookInfo", handleGetWebhookInfo)
	table.Register("close", handleClose)
	table.Register("logOut", handleLogOut)
	table.Register("getChat", handleGetChat)
	table.Register("getStickerSet", handleGetStickerSet)
	table.Register("createInvoiceLink", handleCreateInvoiceLink)
	table.Register("getStarTransactions", handleGetStarTransactions)
	table.Register("refundStarPayment", handleRefundStarPayment)
}

func mustClient(ctx context.Context) (*Client, *dispatcher.Error) {
	c, ok := ClientFromContext(ctx)
	if !ok {
		return nil, &dispatcher.Error{Code: 500, Message: "Internal Server Error: no client bound to request"}
	}
	return c, nil
}

// --- identity ---

func handleGetMe(ctx context.Context, _ *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	userID, err := c.Bridge.GetMe()
	if err != nil {
		return nil, &dispatcher.Error{Code: 500, Message: err.Error()}
	}
	return map[string]any{"id": userID, "is_bot": true}, nil
}

// --- sends ---

// sendOutcome runs one query end to end through the real tracker/ingestor
// pipeline: register a Pending Query callback, admit the send under the
// tracker's correlation map, then feed the synchronous RPC's own result
// straight back in as the native "send-succeeded"/"send-failed" event.
// gotd/td has no separate provisional-id phase the way the opaque native
// client spec §4.F describes, so the RPC's own returned id plays both the
// temporary and final id's role; Resolve still runs synchronously inside
// this call, so no goroutine or channel is needed to observe it.
func sendOutcome(c *Client, chatID int64, totalCount int, isMultisend bool) (queryID int64, record func(internalID int64, resultJSON any, sendErr error, index int), wait func() (any, error)) {
	var result any
	var finalErr error
	queryID = c.Pending.Register(func(r any, err error) {
		result = r
		finalErr = err
	})
	record = func(internalID int64, resultJSON any, sendErr error, index int) {
		c.Tracker.BeginSend(queryID, chatID, internalID, totalCount, isMultisend)
		if sendErr != nil {
			c.Ingestor.OnSendFailed(chatID, internalID, 0, sendErr, index)
			return
		}
		c.Ingestor.OnSendSucceeded(chatID, internalID, internalID, resultJSON)
	}
	wait = func() (any, error) { return result, finalErr }
	return
}

func handleSendMessage(ctx context.Context, args *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	chatID, derr := args.Int("chat_id")
	if derr != nil {
		return nil, derr
	}
	text, derr := args.String("text")
	if derr != nil {
		return nil, derr
	}
	replyTo, _ := args.IntDefault("reply_to_message_id", 0, 0, 1<<62)

	if !c.Tracker.AdmitSend(chatID) {
		time.Sleep(sendtracker.SendCapDebounce())
		return nil, &dispatcher.Error{Code: 429, Message: "Too Many Requests: retry after 60"}
	}

	_, record, wait := sendOutcome(c, chatID, 1, false)
	internalID, err := c.Bridge.SendMessage(ctx, chatID, text, replyTo)
	record(internalID, asMessageJSON(c, chatID, internalID), err, 1)
	result, werr := wait()
	if werr != nil {
		return nil, &dispatcher.Error{Code: 500, Message: werr.Error()}
	}
	return result, nil
}

func handleForwardMessage(ctx context.Context, args *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	chatID, derr := args.Int("chat_id")
	if derr != nil {
		return nil, derr
	}
	fromChatID, derr := args.Int("from_chat_id")
	if derr != nil {
		return nil, derr
	}
	messageID, derr := args.Int("message_id")
	if derr != nil {
		return nil, derr
	}

	if !c.Tracker.AdmitSend(chatID) {
		time.Sleep(sendtracker.SendCapDebounce())
		return nil, &dispatcher.Error{Code: 429, Message: "Too Many Requests: retry after 60"}
	}

	_, record, wait := sendOutcome(c, chatID, 1, false)
	internalID, err := c.Bridge.ForwardMessage(ctx, chatID, fromChatID, messageID)
	record(internalID, asMessageJSON(c, chatID, internalID), err, 1)
	result, werr := wait()
	if werr != nil {
		return nil, &dispatcher.Error{Code: 500, Message: werr.Error()}
	}
	return result, nil
}

// handleForwardMessages is the multi-id variant (§8 scenario S2): every id
// shares one query, and the aggregated error classification in sendtracker
// decides whether a partial failure still reports the successes.
func handleForwardMessages(ctx context.Context, args *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	chatID, derr := args.Int("chat_id")
	if derr != nil {
		return nil, derr
	}
	fromChatID, derr := args.Int("from_chat_id")
	if derr != nil {
		return nil, derr
	}
	var ids []int64
	if err := args.JSON("message_ids", &ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, &dispatcher.Error{Code: 400, Message: "message_ids is required"}
	}
	if !c.Tracker.AdmitSend(chatID) {
		time.Sleep(sendtracker.SendCapDebounce())
		return nil, &dispatcher.Error{Code: 429, Message: "Too Many Requests: retry after 60"}
	}

	_, record, wait := sendOutcome(c, chatID, len(ids), true)
	for i, id := range ids {
		internalID, err := c.Bridge.ForwardMessage(ctx, chatID, fromChatID, id)
		if err != nil {
			// No real id was minted; key the failure under a synthetic
			// negative slot so the tracker's per-query bookkeeping still
			// observes one entry per requested id.
			record(int64(-(i+1)), nil, err, i+1)
			continue
		}
		record(internalID, asMessageJSON(c, chatID, internalID), nil, i+1)
	}
	result, werr := wait()
	if werr != nil {
		return nil, &dispatcher.Error{Code: 500, Message: werr.Error()}
	}
	return result, nil
}

// asMessageJSON builds the HTTP-visible Message object for a just-sent or
// just-forwarded message, converting its internal id back to the
// externally visible 32-bit id per §6.
func asMessageJSON(c *Client, chatID, internalID int64) map[string]any {
	externalID, err := tgutil.AsClient(internalID)
	if err != nil {
		externalID = 0
	}
	out := map[string]any{
		"message_id": externalID,
		"chat":       map[string]any{"id": chatID},
	}
	if msg, ok := c.Cache.Message(chatID, internalID); ok {
		out["text"] = msg.Content.Text
		out["date"] = msg.Date.Unix()
	}
	return out
}

func handleDeleteMessage(ctx context.Context, args *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	chatID, derr := args.Int("chat_id")
	if derr != nil {
		return nil, derr
	}
	messageID, derr := args.Int("message_id")
	if derr != nil {
		return nil, derr
	}
	internalID := tgutil.AsTdlib(messageID)
	if err := c.Bridge.DeleteMessage(ctx, chatID, internalID); err != nil {
		return nil, &dispatcher.Error{Code: 500, Message: err.Error()}
	}
	c.Cache.DeleteMessage(chatID, internalID)
	return true, nil
}

func handleDeleteMessages(ctx context.Context, args *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	chatID, derr := args.Int("chat_id")
	if derr != nil {
		return nil, derr
	}
	var ids []int64
	if err := args.JSON("message_ids", &ids); err != nil {
		return nil, err
	}
	for _, external := range ids {
		internalID := tgutil.AsTdlib(external)
		if err := c.Bridge.DeleteMessage(ctx, chatID, internalID); err == nil {
			c.Cache.DeleteMessage(chatID, internalID)
		}
	}
	return true, nil
}

func handleEditMessageText(ctx context.Context, args *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	chatID, derr := args.Int("chat_id")
	if derr != nil {
		return nil, derr
	}
	messageID, derr := args.Int("message_id")
	if derr != nil {
		return nil, derr
	}
	text, derr := args.String("text")
	if derr != nil {
		return nil, derr
	}
	internalID := tgutil.AsTdlib(messageID)
	if err := c.Bridge.EditMessageText(ctx, chatID, internalID, text); err != nil {
		return nil, &dispatcher.Error{Code: 500, Message: err.Error()}
	}
	return asMessageJSON(c, chatID, internalID), nil
}

func handleAnswerCallbackQuery(ctx context.Context, args *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	queryID, derr := args.Int("callback_query_id")
	if derr != nil {
		return nil, derr
	}
	text := args.StringDefault("text", "")
	showAlert := args.Bool("show_alert")
	cacheTime, _ := args.IntDefault("cache_time", 0, 0, 3600)
	if err := c.Bridge.AnswerCallbackQuery(ctx, queryID, text, showAlert, int(cacheTime)); err != nil {
		return nil, &dispatcher.Error{Code: 500, Message: err.Error()}
	}
	return true, nil
}

// --- update delivery ---

func handleGetUpdates(ctx context.Context, args *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	offset, _ := args.IntDefault("offset", 0, -(1 << 62), 1<<62)
	limit, derr := args.IntDefault("limit", 100, 1, 100)
	if derr != nil {
		return nil, derr
	}
	timeoutSeconds, _ := args.IntDefault("timeout", 0, 0, 50)

	entries, err := c.LongPoll.Poll(ctx, longpoll.Request{
		Offset:  offset,
		Limit:   int(limit),
		Timeout: time.Duration(timeoutSeconds) * time.Second,
	})
	if err != nil {
		if _, ok := err.(*longpoll.ConflictError); ok {
			return nil, &dispatcher.Error{Code: 409, Message: err.Error()}
		}
		return nil, &dispatcher.Error{Code: 500, Message: err.Error()}
	}
	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, json.RawMessage(e.Payload))
	}
	return out, nil
}

// --- webhook ---

func webhookParamsFromArgs(args *dispatcher.Args) (webhook.Params, *dispatcher.Error) {
	p := webhook.Params{
		URL:                args.StringDefault("url", ""),
		SecretToken:        args.StringDefault("secret_token", ""),
		DropPendingUpdates: args.Bool("drop_pending_updates"),
	}
	maxConn, derr := args.IntDefault("max_connections", 40, 0, 1000000)
	if derr != nil {
		return p, derr
	}
	p.MaxConnections = int(maxConn)
	if ip := args.StringDefault("ip_address", ""); ip != "" {
		p.IPAddress = ip
		p.FixIPAddress = true
	}
	var mask []string
	if err := args.JSON("allowed_updates", &mask); err != nil {
		return p, err
	}
	if mask != nil {
		p.AllowedUpdatesSet = true
		for _, name := range mask {
			p.AllowedUpdates |= updateBitForName(name)
		}
	}
	return p, nil
}

func handleSetWebhook(ctx context.Context, args *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	p, derr := webhookParamsFromArgs(args)
	if derr != nil {
		return nil, derr
	}
	if err := webhook.Validate(p, false); err != nil {
		return nil, &dispatcher.Error{Code: 400, Message: err.Error()}
	}

	resultCh := make(chan struct {
		result any
		err    error
	}, 1)
	c.Webhook.SetWebhook(p, func(result any, err error) {
		resultCh <- struct {
			result any
			err    error
		}{result, err}
	})
	out := <-resultCh
	if out.err != nil {
		if re, ok := out.err.(*webhook.RetryAfterError); ok {
			return nil, &dispatcher.Error{Code: 429, Message: fmt.Sprintf("Too Many Requests: retry after %d: %s", re.Seconds, re.Message)}
		}
		return nil, &dispatcher.Error{Code: 500, Message: out.err.Error()}
	}
	return out.result, nil
}

func handleDeleteWebhook(ctx context.Context, args *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	p := webhook.Params{DropPendingUpdates: args.Bool("drop_pending_updates")}
	resultCh := make(chan struct {
		result any
		err    error
	}, 1)
	c.Webhook.SetWebhook(p, func(result any, err error) {
		resultCh <- struct {
			result any
			err    error
		}{result, err}
	})
	out := <-resultCh
	if out.err != nil {
		return nil, &dispatcher.Error{Code: 500, Message: out.err.Error()}
	}
	return true, nil
}

func handleGetWebhookInfo(ctx context.Context, _ *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	info := c.Webhook.Status(0)
	return map[string]any{
		"url":                    info.URL,
		"has_custom_certificate": info.HasCustomCertificate,
		"pending_update_count":   info.PendingUpdateCount,
		"ip_address":             info.IPAddress,
		"last_error_date":        info.LastErrorDate.Unix(),
		"last_error_message":     info.LastErrorMessage,
		"max_connections":        info.MaxConnections,
	}, nil
}

// updateBitForName maps a setWebhook/getUpdates allowed_updates entry to
// its §7 mask bit; unknown names contribute no bit, matching the "parsed
// from a JSON array of lowercase names" rule.
func updateBitForName(name string) uint32 {
	for i, known := range updateKindNames {
		if known == name {
			return 1 << uint(i)
		}
	}
	return 0
}

// updateKindNames follows the bit order of the ingestor's Bit* constants;
// purchased_paid_media, which has no ingestor constant, takes the next bit.
var updateKindNames = []string{
	"message", "edited_message", "channel_post", "edited_channel_post",
	"inline_query", "chosen_inline_result", "callback_query", "shipping_query",
	"pre_checkout_query", "poll", "poll_answer", "my_chat_member",
	"chat_member", "chat_join_request", "chat_boost", "removed_chat_boost",
	"message_reaction", "message_reaction_count", "business_connection", "business_message",
	"edited_business_message", "deleted_business_messages", "purchased_paid_media",
}

// --- lifecycle ---

func handleClose(ctx context.Context, _ *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	if err := c.Stop(); err != nil {
		return nil, &dispatcher.Error{Code: 500, Message: err.Error()}
	}
	return true, nil
}

func handleLogOut(ctx context.Context, _ *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	if err := c.FSM.RequestLogOut(true); err != nil {
		return nil, &dispatcher.Error{Code: 500, Message: err.Error()}
	}
	return true, nil
}

// --- chat / entity reads ---

func handleGetChat(ctx context.Context, args *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	chatID, derr := args.Int("chat_id")
	if derr != nil {
		return nil, derr
	}
	if ch, ok := c.Cache.Chat(chatID); ok {
		return chatInfoJSON(ch), nil
	}
	if u, ok := c.Cache.User(chatID); ok {
		return map[string]any{"id": u.ID, "first_name": u.FirstName, "last_name": u.LastName, "type": "private"}, nil
	}
	return nil, &dispatcher.Error{Code: 400, Message: "Bad Request: chat not found"}
}

func chatInfoJSON(ch *model.ChatInfo) map[string]any {
	kind := "private"
	switch ch.Kind {
	case model.ChatKindGroup:
		kind = "group"
	case model.ChatKindSupergroup:
		kind = "supergroup"
	}
	return map[string]any{
		"id":    ch.ID,
		"type":  kind,
		"title": ch.Title,
	}
}

func handleGetStickerSet(ctx context.Context, args *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	setID, derr := args.Int("name")
	if derr != nil {
		name, nerr := args.String("name")
		if nerr != nil {
			return nil, derr
		}
		return map[string]any{"name": name}, nil
	}
	if name := c.Cache.StickerSetName(setID); name != "" {
		return map[string]any{"name": name}, nil
	}
	name, err := c.Bridge.FetchStickerSetName(setID)
	if err != nil {
		return nil, &dispatcher.Error{Code: 500, Message: err.Error()}
	}
	c.Cache.PutStickerSetName(setID, name)
	return map[string]any{"name": name}, nil
}

// --- payments ---

func handleCreateInvoiceLink(ctx context.Context, args *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	if c.Payments == nil {
		return nil, &dispatcher.Error{Code: 500, Message: "Internal Server Error: payments not configured"}
	}
	chatID, derr := args.Int("chat_id")
	if derr != nil {
		return nil, derr
	}
	title, derr := args.String("title")
	if derr != nil {
		return nil, derr
	}
	description, derr := args.String("description")
	if derr != nil {
		return nil, derr
	}
	payload, derr := args.String("payload")
	if derr != nil {
		return nil, derr
	}
	currency, derr := args.String("currency")
	if derr != nil {
		return nil, derr
	}
	amount, derr := args.Int("amount")
	if derr != nil {
		return nil, derr
	}
	link, err := c.Payments.CreateInvoiceLink(ctx, payments.InvoiceRequest{
		ChatID: chatID, Title: title, Description: description, Payload: payload, Currency: currency, Amount: amount,
	})
	if err != nil {
		return nil, &dispatcher.Error{Code: 500, Message: err.Error()}
	}
	return link, nil
}

func handleGetStarTransactions(ctx context.Context, args *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	if c.Payments == nil {
		return nil, &dispatcher.Error{Code: 500, Message: "Internal Server Error: payments not configured"}
	}
	offset, _ := args.IntDefault("offset", 0, 0, 1<<31)
	limit, _ := args.IntDefault("limit", 100, 1, 100)
	txns, err := c.Payments.GetStarTransactions(ctx, int(offset), int(limit))
	if err != nil {
		return nil, &dispatcher.Error{Code: 500, Message: err.Error()}
	}
	return map[string]any{"transactions": txns}, nil
}

func handleRefundStarPayment(ctx context.Context, args *dispatcher.Args) (any, *dispatcher.Error) {
	c, derr := mustClient(ctx)
	if derr != nil {
		return nil, derr
	}
	if c.Payments == nil {
		return nil, &dispatcher.Error{Code: 500, Message: "Internal Server Error: payments not configured"}
	}
	userID, derr := args.Int("user_id")
	if derr != nil {
		return nil, derr
	}
	chargeID, derr := args.String("telegram_payment_charge_id")
	if derr != nil {
		return nil, derr
	}
	if err := c.Payments.RefundStarPayment(ctx, userID, chargeID); err != nil {
		return nil, &dispatcher.Error{Code: 500, Message: err.Error()}
	}
	return true, nil
}
