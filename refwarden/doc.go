// Package refwarden implements a Discord bot that automates a
// referee-dispute workflow for a gaming community.
//
// A player opens a dispute with the /dispute slash command in a public
// channel. The bot creates a private referee thread, adds everyone
// carrying the referee role, and mirrors evidence posted in the public
// dispute thread into the referee thread. Players can also DM the bot;
// messages are routed to the referee thread of their open dispute, with
// a disambiguation menu when more than one dispute is open.
//
// Referees rule on disputes with /ruling, which renders a templated
// decision and posts it to the guild's decision channel (auto-detected
// by name matching), or close them without a formal ruling via /resolve.
//
// Key components of the package include:
//
//   - RefWarden: The main struct that ties the bot together.
//   - Discord: Discord integration and session management.
//   - DisputeRegistry: In-memory routing state for open disputes.
//   - API: A backend API for bot management and monitoring.
//
// Open disputes are persisted, so routing state survives restarts.
package refwarden
