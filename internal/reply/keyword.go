// ABOUTME: KeywordEngine answers customers from a fixed rule table of Spanish keywords
// ABOUTME: Replies pull the branch's menu highlights and phone numbers from its config

package reply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// MenuHighlightLines bounds how much of the menu goes into a menu reply.
const MenuHighlightLines = 10

const genericMenu = "🍔 Hamburguesas\n🍕 Pizzas\n🥤 Bebidas\n🍟 Acompañamientos"

type rule struct {
	name     string
	keywords []string
	render   func(req Request, name string) string
}

// Rules are checked in order and the first match wins. Complaints come
// first so "hola, tengo un reclamo" is routed to a person.
var rules = []rule{
	{
		name:     "complaint",
		keywords: []string{"queja", "reclamo", "problema", "mal servicio", "llegó frío", "llego frio"},
		render:   complaintReply,
	},
	{
		name:     "order",
		keywords: []string{"pedido", "ordenar", "comprar", "quiero pedir"},
		render:   orderReply,
	},
	{
		name:     "menu",
		keywords: []string{"menú", "menu", "carta", "qué tienen", "que tienen"},
		render:   menuReply,
	},
	{
		name:     "prices",
		keywords: []string{"precio", "costo", "cuánto", "cuanto", "vale"},
		render:   pricesReply,
	},
	{
		name:     "delivery",
		keywords: []string{"delivery", "domicilio", "envío", "envio"},
		render:   deliveryReply,
	},
	{
		name:     "hours",
		keywords: []string{"horario", "hora", "abierto", "cerrado", "cuándo abren", "cuando abren"},
		render:   hoursReply,
	},
	{
		name:     "thanks",
		keywords: []string{"gracias", "adiós", "adios", "chao", "bye"},
		render:   thanksReply,
	},
	{
		name:     "greeting",
		keywords: []string{"hola", "buenos días", "buenos dias", "buenas"},
		render:   greetingReply,
	},
}

// KeywordEngine is the default Engine. It needs no network and always
// answers, falling back to a generic help message.
type KeywordEngine struct {
	logger *slog.Logger
}

// NewKeywordEngine creates a KeywordEngine.
func NewKeywordEngine(logger *slog.Logger) *KeywordEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeywordEngine{logger: logger.With("component", "reply")}
}

// Generate implements Engine.
func (e *KeywordEngine) Generate(ctx context.Context, req Request) string {
	name := displayName(req)
	lower := strings.ToLower(req.Text)

	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				e.logger.Debug("keyword rule matched",
					"branch_id", req.BranchID,
					"rule", r.name)
				return r.render(req, name)
			}
		}
	}
	e.logger.Debug("no keyword rule matched", "branch_id", req.BranchID)
	return genericReply(req, name)
}

// Match returns the name of the rule that would answer text, or "".
func Match(text string) string {
	lower := strings.ToLower(text)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.name
			}
		}
	}
	return ""
}

func displayName(req Request) string {
	if req.BranchName != "" {
		return req.BranchName
	}
	return req.BranchID
}

// MenuHighlights returns the first MenuHighlightLines non-blank lines of menu.
func MenuHighlights(menu string) string {
	var out []string
	for _, line := range strings.Split(menu, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == MenuHighlightLines {
			break
		}
	}
	return strings.Join(out, "\n")
}

func greetingReply(req Request, name string) string {
	return fmt.Sprintf("¡Hola! 👋 Bienvenido a %s.\n\nPuedo ayudarte con:\n"+
		"• 📋 Nuestro menú\n• 🛒 Hacer un pedido\n• 💰 Precios\n• 🚚 Delivery\n• ⏰ Horarios\n\n¿En qué puedo ayudarte hoy? 😊", name)
}

func menuReply(req Request, name string) string {
	highlights := MenuHighlights(req.Config.MenuText)
	if highlights == "" {
		highlights = genericMenu
	}
	return fmt.Sprintf("🍽️ *MENÚ %s*\n\n%s\n\n¿Te gustaría hacer un pedido? 😋", name, highlights)
}

func orderReply(req Request, name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🛒 *¡Perfecto! Hagamos tu pedido en %s*\n\n", name)
	b.WriteString("1️⃣ Dime qué quieres comer\n2️⃣ Te confirmo el precio\n3️⃣ Me das tu dirección o retiras en el local\n")
	if req.Config.OrderPhone != "" {
		fmt.Fprintf(&b, "\n📞 También puedes pedir al %s", req.Config.OrderPhone)
	}
	return b.String()
}

func pricesReply(req Request, name string) string {
	if highlights := MenuHighlights(req.Config.MenuText); highlights != "" {
		return fmt.Sprintf("💰 *PRECIOS %s*\n\n%s\n\n*Los precios pueden variar según ingredientes especiales.*", name, highlights)
	}
	return fmt.Sprintf("💰 *PRECIOS %s*\n\nEscríbenos qué producto te interesa y te confirmamos el precio. 😊", name)
}

func deliveryReply(req Request, name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚚 *Delivery %s*\n\n¡Llevamos la comida hasta tu puerta!\n• Tiempo estimado: 30-45 minutos\n\n", name)
	b.WriteString("Escríbeme tu pedido y tu dirección.")
	if req.Config.OrderPhone != "" {
		fmt.Fprintf(&b, "\n📞 Pedidos: %s", req.Config.OrderPhone)
	}
	return b.String()
}

func hoursReply(req Request, name string) string {
	return fmt.Sprintf("⏰ *Horarios %s*\n\n• Lunes a Domingo: 11:00 AM - 10:00 PM\n• Delivery: mismo horario, último pedido 30 min antes del cierre", name)
}

func thanksReply(req Request, name string) string {
	return fmt.Sprintf("¡De nada! 😊 Gracias por preferir %s. ¡Esperamos verte pronto! 🍔", name)
}

func complaintReply(req Request, name string) string {
	msg := fmt.Sprintf("Lamentamos mucho lo ocurrido 🙏 En %s queremos solucionarlo.", name)
	if req.Config.ComplaintPhone != "" {
		return msg + fmt.Sprintf("\n\n📞 Comunícate con nuestro equipo de atención al %s.", req.Config.ComplaintPhone)
	}
	return msg + "\n\nCuéntanos qué pasó y un encargado te contactará."
}

func genericReply(req Request, name string) string {
	return fmt.Sprintf("¡Gracias por tu mensaje! 😊 Soy el asistente virtual de %s.\n\n"+
		"Puedo ayudarte con:\n• 📋 Menú y precios\n• 🛒 Pedidos\n• ⏰ Horarios\n• 🚚 Delivery\n\n¿En qué puedo ayudarte?", name)
}
