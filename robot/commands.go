package robot

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const (
	BotCommandPing = "ping"
	BotCommandEcho = "echo"
	BotCommandHelp = "help"

	echoCommandMessageOption = "message"
)

// CommandHandlerFunc executes a slash command and returns the reply
// content. Handlers run only after the Gatekeeper and the access Guard
// have both passed.
type CommandHandlerFunc func(
	ctx context.Context,
	r *Robot,
	i *discordgo.InteractionCreate,
) (string, error)

// BotCommand is a declarative slash command definition: the metadata
// Discord needs to register it, plus the documentation the manual is
// synthesized from, plus its handler.
type BotCommand struct {
	Name        string
	Description string
	Options     []*discordgo.ApplicationCommandOption
	Handler     CommandHandlerFunc
}

// ApplicationCommand returns the discordgo registration payload for
// the command.
func (c BotCommand) ApplicationCommand() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        c.Name,
		Type:        discordgo.ChatApplicationCommand,
		Description: c.Description,
		Options:     c.Options,
	}
}

// Synopsis builds a usage string from the command's option metadata:
// required options in angle brackets, optional ones in square brackets.
func (c BotCommand) Synopsis() string {
	var b strings.Builder
	b.WriteString("/")
	b.WriteString(c.Name)
	for _, opt := range c.Options {
		if opt.Required {
			fmt.Fprintf(&b, " <%s>", opt.Name)
		} else {
			fmt.Fprintf(&b, " [%s]", opt.Name)
		}
	}
	return b.String()
}

// ManualEntry renders the command's help text: synopsis, description,
// and per-option descriptions.
func (c BotCommand) ManualEntry() string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n%s", c.Synopsis(), c.Description)
	for _, opt := range c.Options {
		fmt.Fprintf(&b, "\n- `%s`: %s", opt.Name, opt.Description)
	}
	return b.String()
}

// botCommands returns the bot's full command table. The slice order is
// the order commands appear in the manual.
func botCommands() []BotCommand {
	return []BotCommand{
		{
			Name:        BotCommandPing,
			Description: "Check whether I'm alive",
			Handler:     handlePing,
		},
		{
			Name:        BotCommandEcho,
			Description: "Repeat a message back to you",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        echoCommandMessageOption,
					Description: "What should I say?",
					Required:    true,
				},
			},
			Handler: handleEcho,
		},
		{
			Name:        BotCommandHelp,
			Description: "Show this manual",
			Handler:     handleHelp,
		},
	}
}

func handlePing(
	_ context.Context,
	r *Robot,
	_ *discordgo.InteractionCreate,
) (string, error) {
	latency := r.discord.session.HeartbeatLatency()
	return fmt.Sprintf("pong! (gateway latency: %s)", latency), nil
}

func handleEcho(
	_ context.Context,
	_ *Robot,
	i *discordgo.InteractionCreate,
) (string, error) {
	options := discordInteractionOptions(i)
	message := options[echoCommandMessageOption]
	if message == nil {
		return "", fmt.Errorf("missing %q option", echoCommandMessageOption)
	}
	return truncate(message.StringValue(), discordMaxMessageLength), nil
}

func handleHelp(
	_ context.Context,
	r *Robot,
	_ *discordgo.InteractionCreate,
) (string, error) {
	return r.discord.manual(), nil
}

// discordInteractionOptions extracts the interaction options from a
// Discord interaction, keyed by option name.
func discordInteractionOptions(
	i *discordgo.InteractionCreate,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	options := i.ApplicationCommandData().Options
	optionMap := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(options),
	)
	for _, option := range options {
		optionMap[option.Name] = option
	}
	return optionMap
}
